// ABOUTME: HTTP client for the language generation service
// ABOUTME: Resty-backed with a circuit breaker so a flapping upstream fails fast to the fallback ladder

package responder

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/helpdeskd/helpdeskd/internal/store"
)

// LLMConfig holds language generation service settings.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// chatMessage is one transcript turn in the upstream request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// generateRequest is the upstream request body.
type generateRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

// generateResponse is the upstream response body.
type generateResponse struct {
	Reply string `json:"reply"`
}

// LLMClient implements Generator against an HTTP JSON endpoint.
type LLMClient struct {
	httpClient *resty.Client
	model      string
	breaker    *gobreaker.CircuitBreaker
}

// NewLLMClient creates a generation client. Calls have a bounded timeout;
// repeated failures trip the breaker so callers fall straight through to
// the deterministic fallback ladder instead of waiting out timeouts.
func NewLLMClient(cfg LLMConfig) *LLMClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &LLMClient{
		httpClient: client,
		model:      cfg.Model,
		breaker:    breaker,
	}
}

// Generate requests a reply for the transcript plus the latest message.
func (c *LLMClient) Generate(ctx context.Context, transcript []*store.Message, latest string) (string, error) {
	req := generateRequest{Model: c.model}
	for _, msg := range transcript {
		req.Messages = append(req.Messages, chatMessage{
			Role:    upstreamRole(msg.SenderRole),
			Content: msg.Content,
		})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: latest})

	result, err := c.breaker.Execute(func() (any, error) {
		var out generateResponse
		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&out).
			Post("/v1/replies")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("generation service error: %s", resp.Status())
		}
		return out.Reply, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// upstreamRole maps message roles to the generation service's chat roles.
func upstreamRole(senderRole string) string {
	switch senderRole {
	case store.RoleCustomer:
		return "user"
	default:
		return "assistant"
	}
}

// Ensure LLMClient satisfies the Generator interface.
var _ Generator = (*LLMClient)(nil)
