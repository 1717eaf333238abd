package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/miam-bot/miam/internal/apperr"
	"github.com/miam-bot/miam/internal/models"
)

// OpenAIClient implements Classifier and Generator on the OpenAI chat API.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAIClient(apiKey, model string, maxTokens int, temperature float64, logger *zap.Logger) *OpenAIClient {
	return &OpenAIClient{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

// Model returns the configured model identifier, recorded in message metadata.
func (c *OpenAIClient) Model() string {
	return c.model
}

func toChatMessages(system string, history []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// wrapErr maps transport failures onto the error taxonomy so callers can
// pick a retry policy.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", apperr.ErrCollaboratorTimeout, op)
	}
	return fmt.Errorf("%w: %s: %v", apperr.ErrCollaboratorFailure, op, err)
}

func usageFrom(u openai.Usage) models.Usage {
	return models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func (c *OpenAIClient) Classify(ctx context.Context, history []models.Message) (Classification, models.Usage, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toChatMessages(classifierSystemPrompt, history),
		MaxTokens:   c.maxTokens,
		Temperature: float32(c.temperature),
	})
	if err != nil {
		return Classification{}, models.Usage{}, wrapErr("classify", err)
	}
	if len(resp.Choices) == 0 {
		return Classification{}, models.Usage{}, fmt.Errorf("%w: classify: empty response", apperr.ErrCollaboratorFailure)
	}

	raw := stripCodeFence(resp.Choices[0].Message.Content)
	var result Classification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.logger.Error("Failed to parse classification response",
			zap.Error(err),
			zap.String("response", raw))
		return Classification{}, usageFrom(resp.Usage),
			fmt.Errorf("%w: classify: malformed response", apperr.ErrCollaboratorFailure)
	}

	switch result.Intent {
	case IntentRecipe, IntentOther, IntentAbort:
	default:
		result.Intent = IntentOther
	}

	return result, usageFrom(resp.Usage), nil
}

func (c *OpenAIClient) Generate(ctx context.Context, history []models.Message, opts GenerateOptions) (string, models.Usage, error) {
	requirements, err := json.Marshal(opts.Requirements)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("encoding requirements: %w", err)
	}

	reference := "(none)"
	if len(opts.Context) > 0 {
		reference = "- " + strings.Join(opts.Context, "\n- ")
	}
	system := fmt.Sprintf(generatorSystemPrompt, requirements, reference)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toChatMessages(system, history),
		MaxTokens:   c.maxTokens,
		Temperature: float32(c.temperature),
	})
	if err != nil {
		return "", models.Usage{}, wrapErr("generate", err)
	}
	if len(resp.Choices) == 0 {
		return "", models.Usage{}, fmt.Errorf("%w: generate: empty response", apperr.ErrCollaboratorFailure)
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), usageFrom(resp.Usage), nil
}

// stripCodeFence unwraps ```json fenced output some models insist on.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
