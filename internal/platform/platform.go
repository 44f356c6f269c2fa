// Package platform abstracts the chat destinations NudgePipe can deliver to.
//
// A Channel is one named destination (a WhatsApp recipient, a Twilio number)
// exposing send, typing-indicator, and permission-check operations. The
// Registry holds all known destinations and resolves the configured one by name.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// Channel is a handle to one chat destination.
type Channel interface {
	// ID returns the platform-specific destination identifier.
	ID() string

	// Name returns the configured human-readable destination name.
	Name() string

	// Send delivers text to the destination and returns the platform message ID.
	Send(ctx context.Context, text string) (string, error)

	// StartTyping fires the typing/presence indicator once. Platforms without
	// a typing concept implement this as a no-op.
	StartTyping(ctx context.Context) error

	// HasSendPermission reports whether the destination can currently be sent to.
	HasSendPermission() bool

	// Mention returns the platform-specific mention tag for a user, or an
	// empty string when the platform has no mention concept.
	Mention(userID string) string
}

// Registry holds all known destinations for name-based resolution.
type Registry struct {
	mu       sync.RWMutex
	channels []Channel
}

// NewRegistry creates an empty destination registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a destination to the registry.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
	slog.Debug("Registry destination registered", "name", ch.Name(), "id", ch.ID())
}

// Resolve scans all known destinations for a match by name (case-insensitive).
func (r *Registry) Resolve(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.channels {
		if strings.EqualFold(ch.Name(), name) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", models.ErrChannelNotFound, name)
}

// Names returns the names of all registered destinations.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for _, ch := range r.channels {
		names = append(names, ch.Name())
	}
	return names
}
