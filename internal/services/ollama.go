package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama is a transport that answers each exchange with one non-streaming chat call to an Ollama server.
type Ollama struct {
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama transport with the specified host URL and model name. An empty host
// resolves from OLLAMA_HOST and otherwise targets the local server at 127.0.0.1:11434.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	client, err := ollamaClient(host)
	if err != nil {
		return Ollama{}, err
	}

	return Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		client:       client,
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaClient(host string) (*api.Client, error) {
	if host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("error resolving host from environment: %w", err)
		}
		return client, nil
	}

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("error parsing host: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("host must be an absolute URL: %q", host)
	}
	return api.NewClient(u, &http.Client{}), nil
}

// Send starts one exchange backed by an Ollama chat request.
func (o Ollama) Send(text string) *Exchange {
	return startExchange(func(ctx context.Context) (string, error) {
		return o.exchange(ctx, text)
	})
}

func (o Ollama) exchange(ctx context.Context, text string) (string, error) {
	var msgs []api.Message
	if o.systemPrompt != "" {
		msgs = append(msgs, api.Message{
			Role:    "system",
			Content: o.systemPrompt,
		})
	}
	msgs = append(msgs, api.Message{
		Role:    "user",
		Content: text,
	})

	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &f,
	}

	var sb strings.Builder
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		sb.WriteString(res.Message.Content)
		return nil
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return "", models.NewStatusFailure(statusErr.StatusCode, fmt.Errorf("error sending request: %w", err))
		}
		return "", models.NewFailure(models.FailureNetwork, fmt.Errorf("error sending request: %w", err))
	}

	reply := sb.String()
	if strings.TrimSpace(reply) == "" {
		return "", models.NewFailure(models.FailureEmptyReply, errors.New("message content is empty"))
	}

	o.logger.Debug("Chat response", slog.Int("length", len(reply)))

	return reply, nil
}
