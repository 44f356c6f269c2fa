package whatsapp

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

func textEvent(from string, fromMe, group bool, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender:   types.NewJID(from, JIDSuffix),
				IsFromMe: fromMe,
				IsGroup:  group,
			},
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

func TestExtractTextConversation(t *testing.T) {
	body := "hello there"
	evt := textEvent("15551234567", false, false, &waE2E.Message{Conversation: &body})
	if got := extractText(evt); got != body {
		t.Errorf("extractText = %q, want %q", got, body)
	}
}

func TestExtractTextExtended(t *testing.T) {
	body := "hello with a link preview"
	evt := textEvent("15551234567", false, false, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: &body},
	})
	if got := extractText(evt); got != body {
		t.Errorf("extractText = %q, want %q", got, body)
	}
}

func TestExtractTextNonText(t *testing.T) {
	if got := extractText(textEvent("15551234567", false, false, &waE2E.Message{})); got != "" {
		t.Errorf("extractText on empty payload = %q, want empty", got)
	}
	if got := extractText(textEvent("15551234567", false, false, nil)); got != "" {
		t.Errorf("extractText on nil message = %q, want empty", got)
	}
}

func TestDispatchInbound(t *testing.T) {
	body := "hey!"
	tests := []struct {
		name    string
		evt     *events.Message
		handled bool
	}{
		{"direct text message", textEvent("15551234567", false, false, &waE2E.Message{Conversation: &body}), true},
		{"own message filtered", textEvent("15551234567", true, false, &waE2E.Message{Conversation: &body}), false},
		{"group message filtered", textEvent("15551234567", false, true, &waE2E.Message{Conversation: &body}), false},
		{"non-text message filtered", textEvent("15551234567", false, false, &waE2E.Message{}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var received []InboundMessage
			dispatchInbound(func(msg InboundMessage) {
				received = append(received, msg)
			}, tt.evt)

			if tt.handled != (len(received) == 1) {
				t.Fatalf("handled = %v, want %v (received %d messages)", len(received) == 1, tt.handled, len(received))
			}
			if !tt.handled {
				return
			}
			msg := received[0]
			if msg.From != "15551234567" {
				t.Errorf("From = %q, want bare user part of the JID", msg.From)
			}
			if msg.Text != body {
				t.Errorf("Text = %q, want %q", msg.Text, body)
			}
			if msg.Timestamp != 1700000000 {
				t.Errorf("Timestamp = %d, want event timestamp in unix seconds", msg.Timestamp)
			}
		})
	}
}

func TestDispatchInboundPrefersConversationText(t *testing.T) {
	conv := "plain body"
	ext := "extended body"
	evt := textEvent("15551234567", false, false, &waE2E.Message{
		Conversation:        &conv,
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: &ext},
	})

	var got string
	dispatchInbound(func(msg InboundMessage) { got = msg.Text }, evt)
	if got != conv {
		t.Errorf("Text = %q, want the plain conversation body %q", got, conv)
	}
}

func TestMockClientImplementsSender(t *testing.T) {
	var sender Sender = NewMockClient()

	id, err := sender.SendMessage(context.Background(), "15551234567", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if id == "" {
		t.Error("expected a non-empty message ID")
	}
	if err := sender.SendTyping(context.Background(), "15551234567", true); err != nil {
		t.Errorf("SendTyping failed: %v", err)
	}
	if !sender.IsLoggedIn() {
		t.Error("mock client should report logged in")
	}
}
