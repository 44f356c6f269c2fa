package platform

import (
	"context"
	"sync"

	"github.com/BTreeMap/NudgePipe/internal/util"
)

// MockChannel implements Channel for tests. It records sent messages and
// typing calls, and can be configured to fail sends.
type MockChannel struct {
	mu           sync.Mutex
	name         string
	id           string
	Sent         []string
	TypingCalls  int
	SendErr      error
	SendErrTimes int // fail the first N sends, then succeed; 0 with SendErr set fails always
	sendCalls    int
	NoPermission bool
}

// NewMockChannel creates a mock destination with the given name.
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name, id: "mock_" + name}
}

func (c *MockChannel) ID() string {
	return c.id
}

func (c *MockChannel) Name() string {
	return c.name
}

func (c *MockChannel) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	if c.SendErr != nil && (c.SendErrTimes == 0 || c.sendCalls <= c.SendErrTimes) {
		return "", c.SendErr
	}
	c.Sent = append(c.Sent, text)
	return util.GenerateMessageID(), nil
}

func (c *MockChannel) StartTyping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TypingCalls++
	return nil
}

func (c *MockChannel) HasSendPermission() bool {
	return !c.NoPermission
}

func (c *MockChannel) Mention(userID string) string {
	return "@" + userID
}

// TypingCount returns the number of StartTyping invocations.
func (c *MockChannel) TypingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TypingCalls
}

// SendCalls returns the number of Send invocations.
func (c *MockChannel) SendCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls
}

// LastSent returns the most recently sent message, or an empty string.
func (c *MockChannel) LastSent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Sent) == 0 {
		return ""
	}
	return c.Sent[len(c.Sent)-1]
}
