package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic relays each message to the Anthropic messages API. The reply is streamed by the API and
// collected into one reply, since the transcript only shows complete messages.
type Anthropic struct {
	apiKey       string
	endpoint     string
	model        string
	systemPrompt string
	maxTokens    int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"

	defaultAnthropicMaxTokens = 1024
)

// NewAnthropic creates a new Anthropic transport. An empty endpoint targets the public API. A non-positive
// maxTokens uses a default suited to chat replies.
func NewAnthropic(apiKey, endpoint, model, systemPrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return Anthropic{
		apiKey:       apiKey,
		endpoint:     strings.TrimSuffix(endpoint, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Send starts one exchange with the API.
func (a Anthropic) Send(text string) *Exchange {
	return startExchange(func(ctx context.Context) (string, error) {
		return a.exchange(ctx, text)
	})
}

func (a Anthropic) exchange(ctx context.Context, text string) (string, error) {
	reqBody := anthropicChatRequest{
		Model:     a.model,
		Messages:  []anthropicMessage{{Role: "user", Content: text}},
		System:    a.systemPrompt,
		MaxTokens: a.maxTokens,
		Stream:    true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", models.NewFailure(models.FailureNetwork, fmt.Errorf("error marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", models.NewFailure(models.FailureNetwork, fmt.Errorf("error creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", models.NewFailure(models.FailureNetwork, fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", models.NewStatusFailure(resp.StatusCode,
			fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
	}

	var reply strings.Builder
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return "", err
			}
			return "", models.NewFailure(models.FailureNetwork, fmt.Errorf("error reading response: %w", err))
		}
		switch ev.Type {
		case "error":
			var e anthropicError
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return "", models.NewFailure(models.FailureMalformedReply,
					fmt.Errorf("error unmarshaling error: %w", err))
			}
			return "", models.NewFailure(models.FailureNetwork,
				fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
		case "message_stop":
			return completeReply(reply.String())
		case "content_block_delta":
			var res anthropicStreamResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				return "", models.NewFailure(models.FailureMalformedReply,
					fmt.Errorf("error unmarshaling response: %w", err))
			}
			reply.WriteString(res.Delta.Text)
		default:
			continue
		}
	}

	a.logger.Warn("Stream ended without message_stop", slog.Int("length", reply.Len()))
	return completeReply(reply.String())
}

func completeReply(reply string) (string, error) {
	if strings.TrimSpace(reply) == "" {
		return "", models.NewFailure(models.FailureEmptyReply, errors.New("reply is empty"))
	}
	return reply, nil
}
