package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/servionai/waconnect/internal/models"
	"go.uber.org/zap"
)

// ErrGenerationFailed wraps any upstream failure; callers skip the automated
// reply and keep the inbound message.
var ErrGenerationFailed = errors.New("reply generation failed")

// Responder produces an automated reply to an inbound customer message.
// recentContext is newest-first, as returned by the store.
type Responder interface {
	GenerateReply(ctx context.Context, inbound string, recentContext []*models.Message, profile *models.BusinessProfile) (string, error)
}

type OpenAIResponder struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAIResponder(apiKey, model string, maxTokens int, temperature float64, logger *zap.Logger) *OpenAIResponder {
	return &OpenAIResponder{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

func (r *OpenAIResponder) GenerateReply(ctx context.Context, inbound string, recentContext []*models.Message, profile *models.BusinessProfile) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt(profile),
		},
	}

	// Context arrives newest-first; the model wants chronological order.
	for i := len(recentContext) - 1; i >= 0; i-- {
		msg := recentContext[i]
		role := openai.ChatMessageRoleUser
		if msg.Direction == models.DirectionOutbound {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Body})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: inbound,
	})

	resp, err := r.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       r.model,
			Messages:    messages,
			MaxTokens:   r.maxTokens,
			Temperature: float32(r.temperature),
		},
	)
	if err != nil {
		r.logger.Error("Failed to get completion", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrGenerationFailed)
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func systemPrompt(profile *models.BusinessProfile) string {
	var b strings.Builder
	b.WriteString("You are a helpful customer-service assistant answering WhatsApp messages on behalf of a business. ")
	b.WriteString("Answer briefly and politely in the customer's language. ")
	b.WriteString("If you do not know the answer, suggest contacting the business directly.\n\nBusiness details:\n")
	write := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	write("Name", profile.Name)
	write("Description", profile.Description)
	write("Industry", profile.Industry)
	write("Services", profile.Services)
	write("Opening hours", profile.Hours)
	write("Contact", profile.Contact)
	write("Address", profile.Address)
	write("Website", profile.Website)
	write("Additional information", profile.AdditionalInfo)
	return b.String()
}
