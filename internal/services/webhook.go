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
)

// Webhook is the default transport. It posts the user's text to an opaque HTTP endpoint and expects a JSON
// object with a reply field in return.
type Webhook struct {
	url string

	client *http.Client

	logger *slog.Logger
}

type webhookRequest struct {
	Message string `json:"message"`
}

type webhookResponse struct {
	Reply *string `json:"reply"`
}

// maxErrorBody bounds how much of a non-success response body is kept in the failure detail.
const maxErrorBody = 512

// NewWebhook creates a Webhook posting to url. If client is nil, a client without timeout is used: an
// exchange stays pending until the endpoint answers, fails, or the exchange is cancelled.
func NewWebhook(url string, client *http.Client, logger *slog.Logger) Webhook {
	if client == nil {
		client = &http.Client{}
	}
	return Webhook{
		url:    url,
		client: client,
		logger: logger.With(slog.String("module", "webhook")),
	}
}

// Send starts one exchange with the endpoint. It issues exactly one request and never retries.
func (w Webhook) Send(text string) *Exchange {
	return startExchange(func(ctx context.Context) (string, error) {
		return w.exchange(ctx, text)
	})
}

func (w Webhook) exchange(ctx context.Context, text string) (string, error) {
	jsonBody, err := json.Marshal(webhookRequest{Message: text})
	if err != nil {
		return "", models.NewFailure(models.FailureNetwork, fmt.Errorf("error marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", models.NewFailure(models.FailureNetwork, fmt.Errorf("error creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
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

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", models.NewFailure(models.FailureNetwork, fmt.Errorf("error reading response: %w", err))
	}

	w.logger.Debug("Response", slog.Int("status", resp.StatusCode), slog.String("body", string(body)))

	return parseWebhookReply(body)
}

// parseWebhookReply maps a success body to a reply. A body that is not a JSON object, has no reply field, or
// has a non-string reply is malformed. A null or blank reply is empty.
func parseWebhookReply(body []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("response is not an object")
		}
		return "", models.NewFailure(models.FailureMalformedReply, fmt.Errorf("error decoding response: %w", err))
	}

	raw, ok := fields["reply"]
	if !ok {
		return "", models.NewFailure(models.FailureMalformedReply, errors.New("response has no reply field"))
	}

	var res webhookResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", models.NewFailure(models.FailureMalformedReply,
			fmt.Errorf("error decoding reply %s: %w", string(raw), err))
	}
	if res.Reply == nil || strings.TrimSpace(*res.Reply) == "" {
		return "", models.NewFailure(models.FailureEmptyReply, errors.New("reply is empty"))
	}
	return *res.Reply, nil
}
