package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration options for the Twilio destination.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioOption defines a configuration option for the Twilio destination.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the Twilio sender number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// TwilioChannel is an SMS destination backed by the Twilio REST API.
// Twilio has no typing-indicator concept, so StartTyping is a no-op.
type TwilioChannel struct {
	name   string
	to     string
	from   string
	client *twilio.RestClient
}

// NewTwilioChannel creates a named Twilio SMS destination for one recipient.
// Credentials fall back to the TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN /
// TWILIO_FROM_NUMBER environment variables when not provided via options.
func NewTwilioChannel(name, to string, opts ...TwilioOption) (*TwilioChannel, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio destination config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioChannel{name: name, to: to, from: cfg.From, client: client}, nil
}

func (c *TwilioChannel) ID() string {
	return c.to
}

func (c *TwilioChannel) Name() string {
	return c.name
}

func (c *TwilioChannel) Send(ctx context.Context, text string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(c.to)
	params.SetFrom(c.from)
	params.SetBody(text)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioChannel send failed", "error", err, "to", c.to)
		return "", fmt.Errorf("failed to send Twilio message to %s: %w", c.to, err)
	}
	var sid string
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioChannel message sent", "to", c.to, "sid", sid)
	return sid, nil
}

// StartTyping is a no-op; SMS has no typing indicator.
func (c *TwilioChannel) StartTyping(ctx context.Context) error {
	return nil
}

func (c *TwilioChannel) HasSendPermission() bool {
	return c.client != nil
}

// Mention returns an empty string; SMS has no mention concept.
func (c *TwilioChannel) Mention(userID string) string {
	return ""
}
