package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI is a transport that answers each exchange with a single, non-streaming OpenAI chat completion. It
// is stateless: every exchange only carries the system prompt and the user's text.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI transport with the specified API key, model name, and system prompt. If
// baseURL is not empty, it replaces the default API endpoint, which allows OpenAI-compatible servers.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// Send starts one exchange backed by a chat completion request.
func (o OpenAI) Send(text string) *Exchange {
	return startExchange(func(ctx context.Context) (string, error) {
		return o.exchange(ctx, text)
	})
}

func (o OpenAI) exchange(ctx context.Context, text string) (string, error) {
	var msgs []goopenai.ChatCompletionMessage
	if o.systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	})
	if err != nil {
		return "", openAIFailure(err)
	}

	if len(resp.Choices) == 0 {
		return "", models.NewFailure(models.FailureMalformedReply, errors.New("no choices found"))
	}

	reply := resp.Choices[0].Message.Content
	if strings.TrimSpace(reply) == "" {
		return "", models.NewFailure(models.FailureEmptyReply, errors.New("choice content is empty"))
	}

	o.logger.Debug("Completion", slog.String("id", resp.ID), slog.String("finishReason", string(resp.Choices[0].FinishReason)))

	return reply, nil
}

func openAIFailure(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return models.NewStatusFailure(apiErr.HTTPStatusCode, fmt.Errorf("error sending request: %w", err))
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return models.NewStatusFailure(reqErr.HTTPStatusCode, fmt.Errorf("error sending request: %w", err))
	}

	return models.NewFailure(models.FailureNetwork, fmt.Errorf("error sending request: %w", err))
}
