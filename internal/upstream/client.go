package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yansir/grok-relay/internal/openai"
	"github.com/yansir/grok-relay/internal/session"
)

// ClientProvider supplies per-lease HTTP clients.
type ClientProvider interface {
	GetClient(lease *session.Lease) *http.Client
}

// Client performs one attempt against the upstream for one leased session.
type Client struct {
	url        string
	userAgents []string
	transport  ClientProvider
}

func NewClient(url string, userAgents []string, tp ClientProvider) *Client {
	return &Client{url: url, userAgents: userAgents, transport: tp}
}

// Result is the outcome of one attempt.
type Result struct {
	Outcome    session.Outcome
	StatusCode int
	Stream     *StreamResult
	ErrorBody  string
	LatencyMs  int64
	Err        error
}

// upstreamRequest is the wire body the upstream expects.
type upstreamRequest struct {
	Message               string   `json:"message"`
	ModelName             string   `json:"modelName"`
	Temporary             bool     `json:"temporary"`
	FileAttachments       []string `json:"fileAttachments"`
	ImageAttachments      []string `json:"imageAttachments"`
	DisableSearch         bool     `json:"disableSearch"`
	EnableImageGeneration bool     `json:"enableImageGeneration"`
	ReturnImageBytes      bool     `json:"returnImageBytes"`
	Temperature           *float64 `json:"temperature,omitempty"`
	TopP                  *float64 `json:"topP,omitempty"`
	MaxOutputTokens       *int     `json:"maxOutputTokens,omitempty"`
	ToolChoice            string   `json:"toolChoice,omitempty"`
	ParallelToolCalls     bool     `json:"parallelToolCalls"`
}

// Attempt dispatches one upstream call using the leased session's cookie.
// onToken, when non-nil, receives visible tokens as they arrive. Latency
// runs from just before dispatch to the last byte on success, or the first
// error signal on failure.
func (c *Client) Attempt(ctx context.Context, lease *session.Lease, req *openai.ChatRequest, onToken func(string) error) *Result {
	body := upstreamRequest{
		Message:           CanonicalPrompt(req.Messages),
		ModelName:         req.Model,
		FileAttachments:   []string{},
		ImageAttachments:  imageAttachments(req.Messages),
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		MaxOutputTokens:   req.MaxOutputTokens,
		ToolChoice:        req.ToolChoice,
		ParallelToolCalls: req.ParallelToolCallsOrDefault(),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return &Result{Outcome: session.OutcomeClientError, Err: fmt.Errorf("marshal upstream body: %w", err)}
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return &Result{Outcome: session.OutcomeTransport, Err: err}
	}
	SetBrowserHeaders(upReq.Header, PickUserAgent(c.userAgents), lease.Cookie)

	start := time.Now()
	resp, err := c.transport.GetClient(lease).Do(upReq)
	if err != nil {
		return &Result{
			Outcome:   ClassifyTransportError(err),
			LatencyMs: time.Since(start).Milliseconds(),
			Err:       err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &Result{
			Outcome:    ClassifyResponse(resp.StatusCode, errBody, resp.Header),
			StatusCode: resp.StatusCode,
			ErrorBody:  string(errBody),
			LatencyMs:  time.Since(start).Milliseconds(),
			Err:        fmt.Errorf("upstream %d", resp.StatusCode),
		}
	}

	stream, err := ConsumeStream(resp.Body, onToken)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &Result{
			Outcome:    ClassifyTransportError(err),
			StatusCode: resp.StatusCode,
			Stream:     stream,
			LatencyMs:  latency,
			Err:        err,
		}
	}

	// A first-chunk error with no content is an upstream rejection hiding
	// behind a 200.
	if stream.ErrMessage != "" && stream.Content == "" {
		outcome := session.OutcomeRecoverable
		if rateLimitPattern.MatchString(stream.ErrMessage) {
			outcome = session.OutcomeRateLimit
		}
		return &Result{
			Outcome:    outcome,
			StatusCode: resp.StatusCode,
			Stream:     stream,
			ErrorBody:  stream.ErrMessage,
			LatencyMs:  latency,
			Err:        fmt.Errorf("upstream error: %s", stream.ErrMessage),
		}
	}

	return &Result{
		Outcome:    session.OutcomeSuccess,
		StatusCode: resp.StatusCode,
		Stream:     stream,
		LatencyMs:  latency,
	}
}

// CanonicalPrompt serializes the OpenAI message sequence into the single
// prompt text the upstream accepts, preserving role boundaries.
func CanonicalPrompt(messages []openai.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content.Flatten())
	}
	return b.String()
}

func imageAttachments(messages []openai.Message) []string {
	urls := []string{}
	for _, m := range messages {
		for _, p := range m.Content.Parts {
			if p.Type == "image_url" && p.ImageURL != nil && p.ImageURL.URL != "" {
				urls = append(urls, p.ImageURL.URL)
			}
		}
	}
	return urls
}
