package platform

import (
	"context"

	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

// WhatsAppChannel is a WhatsApp destination backed by the whatsmeow client.
type WhatsAppChannel struct {
	name      string
	recipient string // phone number without the JID suffix
	client    whatsapp.Sender
}

// NewWhatsAppChannel creates a named WhatsApp destination for one recipient.
func NewWhatsAppChannel(name, recipient string, client whatsapp.Sender) *WhatsAppChannel {
	return &WhatsAppChannel{name: name, recipient: recipient, client: client}
}

func (c *WhatsAppChannel) ID() string {
	return c.recipient
}

func (c *WhatsAppChannel) Name() string {
	return c.name
}

func (c *WhatsAppChannel) Send(ctx context.Context, text string) (string, error) {
	return c.client.SendMessage(ctx, c.recipient, text)
}

func (c *WhatsAppChannel) StartTyping(ctx context.Context) error {
	return c.client.SendTyping(ctx, c.recipient, true)
}

func (c *WhatsAppChannel) HasSendPermission() bool {
	return c.client.IsLoggedIn()
}

// Mention returns the WhatsApp mention tag for a user.
func (c *WhatsAppChannel) Mention(userID string) string {
	return "@" + userID
}
