// Package tone provides a fixed whitelist of user tone tags, validation,
// and prompt-guide construction for steering generated proactive messages.
package tone

import (
	"strings"
	"sync"
	"time"
)

// AllTags is the hard-coded set of safe tone tags.
var AllTags = map[string]bool{
	// Style
	"concise":   true,
	"detailed":  true,
	"formal":    true,
	"casual":    true,
	"no_emojis": true,
	"emojis_ok": true,
	// Stance
	"warm_supportive":      true,
	"neutral_professional": true,
	"direct_coach":         true,
	"gentle_coach":         true,
}

// mutuallyExclusivePairs defines tags where at most one may be active.
var mutuallyExclusivePairs = [][2]string{
	{"concise", "detailed"},
	{"formal", "casual"},
	{"no_emojis", "emojis_ok"},
	{"direct_coach", "gentle_coach"},
}

// Sanitize drops unknown tags and resolves mutually exclusive pairs by
// keeping the first tag seen.
func Sanitize(tags []string) []string {
	var clean []string
	seen := make(map[string]bool)
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if !AllTags[tag] || seen[tag] {
			continue
		}
		if conflictsWithAny(tag, seen) {
			continue
		}
		seen[tag] = true
		clean = append(clean, tag)
	}
	return clean
}

func conflictsWithAny(tag string, active map[string]bool) bool {
	for _, pair := range mutuallyExclusivePairs {
		if pair[0] == tag && active[pair[1]] {
			return true
		}
		if pair[1] == tag && active[pair[0]] {
			return true
		}
	}
	return false
}

// profile stores the tone state for one user.
type profile struct {
	tags          []string
	lastContactAt time.Time
}

// Manager holds per-user tone profiles. It is the boundary to the
// personality model: Hints feeds generation, TouchContact is updated by the
// post-send background task.
type Manager struct {
	mu       sync.RWMutex
	profiles map[string]*profile
}

// NewManager creates an empty tone manager.
func NewManager() *Manager {
	return &Manager{profiles: make(map[string]*profile)}
}

// SetTags replaces the active tone tags for a user after sanitization.
func (m *Manager) SetTags(userID string, tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[userID]
	if p == nil {
		p = &profile{}
		m.profiles[userID] = p
	}
	p.tags = Sanitize(tags)
}

// Hints returns prompt-guide lines for the user's active tone tags.
func (m *Manager) Hints(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.profiles[userID]
	if p == nil || len(p.tags) == 0 {
		return nil
	}
	hints := make([]string, len(p.tags))
	copy(hints, p.tags)
	return hints
}

// TouchContact records that the bot reached out to the user.
func (m *Manager) TouchContact(userID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[userID]
	if p == nil {
		p = &profile{}
		m.profiles[userID] = p
	}
	p.lastContactAt = at
}

// LastContactAt returns when the bot last reached out to the user.
func (m *Manager) LastContactAt(userID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.profiles[userID]
	if p == nil || p.lastContactAt.IsZero() {
		return time.Time{}, false
	}
	return p.lastContactAt, true
}
