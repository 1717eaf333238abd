package collaborator

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"github.com/miam-bot/miam/internal/models"
)

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain json", `{"intent":"other"}`, `{"intent":"other"}`},
		{"json fence", "```json\n{\"intent\":\"other\"}\n```", `{"intent":"other"}`},
		{"bare fence", "```\n{}\n```", "{}"},
		{"surrounding whitespace", "  {}\n", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFence(tt.in))
		})
	}
}

func TestToChatMessagesRoleMapping(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: models.RoleSystem, Content: "note"},
	}

	got := toChatMessages("persona", history)

	assert.Len(t, got, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, got[0].Role)
	assert.Equal(t, "persona", got[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, got[1].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, got[2].Role)
	assert.Equal(t, openai.ChatMessageRoleSystem, got[3].Role)
}

func TestToChatMessagesWithoutSystemPrompt(t *testing.T) {
	got := toChatMessages("", []models.Message{{Role: models.RoleUser, Content: "hi"}})
	assert.Len(t, got, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, got[0].Role)
}
