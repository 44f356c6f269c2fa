package genai

import (
	"strings"
	"testing"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

func TestBuildSystemPromptIncludesHints(t *testing.T) {
	gen := models.GenerationContext{
		ProfileHints: []string{"enjoys hiking", "works night shifts"},
		ToneHints:    []string{"casual", "no_emojis"},
	}
	prompt := buildSystemPrompt(gen)
	if !strings.Contains(prompt, DefaultSystemPrompt) {
		t.Error("system prompt should start from the default framing")
	}
	if !strings.Contains(prompt, "enjoys hiking") {
		t.Error("profile hints missing from system prompt")
	}
	if !strings.Contains(prompt, "casual, no_emojis") {
		t.Error("tone hints missing from system prompt")
	}
}

func TestBuildSystemPromptWithoutHints(t *testing.T) {
	prompt := buildSystemPrompt(models.GenerationContext{})
	if prompt != DefaultSystemPrompt {
		t.Errorf("prompt without hints should be the bare default, got %q", prompt)
	}
}

func TestBuildUserPromptRendersHistory(t *testing.T) {
	gen := models.GenerationContext{
		TopicHints: []string{"weekend plans"},
		History: []models.ConversationRecord{
			{BotText: "how was the trip?"},
			{UserText: "pretty good, lots of rain though"},
		},
	}
	prompt := buildUserPrompt("user1", gen)
	if !strings.Contains(prompt, "user1") {
		t.Error("user ID missing from prompt")
	}
	if !strings.Contains(prompt, "weekend plans") {
		t.Error("topic hints missing from prompt")
	}
	if !strings.Contains(prompt, "you: how was the trip?") {
		t.Error("bot history line missing or mislabeled")
	}
	if !strings.Contains(prompt, "user: pretty good, lots of rain though") {
		t.Error("user history line missing or mislabeled")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without an API key")
	}
	if _, err := NewClient(WithAPIKey("sk-test")); err != nil {
		t.Errorf("expected success with explicit key, got %v", err)
	}
}
