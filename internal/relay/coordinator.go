package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yansir/grok-relay/internal/config"
	"github.com/yansir/grok-relay/internal/events"
	"github.com/yansir/grok-relay/internal/openai"
	"github.com/yansir/grok-relay/internal/session"
	"github.com/yansir/grok-relay/internal/store"
	"github.com/yansir/grok-relay/internal/telemetry"
	"github.com/yansir/grok-relay/internal/upstream"
)

// StreamStarter lazily begins the SSE response once the first token
// arrives. A nil StreamStarter selects buffered mode.
type StreamStarter func() (*openai.StreamWriter, error)

// Coordinator drives one inbound request through acquire → attempt →
// classify → release, retrying across sessions under the circuit breaker,
// and persists the terminal generation exactly once.
type Coordinator struct {
	pool    *session.Pool
	client  *upstream.Client
	store   store.Store
	breaker *Breaker
	cfg     *config.Config
	metrics *telemetry.Metrics
	bus     *events.Bus

	// sleep is swapped in tests to skip real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(pool *session.Pool, client *upstream.Client, st store.Store, cfg *config.Config, metrics *telemetry.Metrics, bus *events.Bus) *Coordinator {
	return &Coordinator{
		pool:    pool,
		client:  client,
		store:   st,
		breaker: NewBreaker(cfg.CircuitFailureThreshold, cfg.CircuitWindow, cfg.CircuitRecoveryTimeout),
		cfg:     cfg,
		metrics: metrics,
		bus:     bus,
		sleep:   sleepCtx,
	}
}

// BreakerState exposes the circuit state for the health report.
func (c *Coordinator) BreakerState() string { return c.breaker.State() }

// Handle runs the per-request state machine. On buffered success the
// completion is returned; on streamed success both return values are nil
// and the response has already been written. Any *APIError was not yet
// written unless streaming had begun.
func (c *Coordinator) Handle(ctx context.Context, requestID, userID string, req *openai.ChatRequest, startStream StreamStarter) (*openai.ChatCompletion, *APIError) {
	started := time.Now()

	if !c.breaker.Allow() {
		c.metrics.RecordRequest("circuit_open", time.Since(started).Seconds())
		return nil, NewAPIError(ErrTypeServiceUnavailable, http.StatusServiceUnavailable,
			"upstream temporarily unavailable", requestID)
	}

	tried := make(map[string]bool)
	var last *upstream.Result
	var lastSessionID string
	var sw *openai.StreamWriter

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		lease, err := c.pool.Acquire(ctx, c.cfg.Provider, tried)
		if err != nil {
			if errors.Is(err, session.ErrNoCapacity) {
				// Capacity signal, not an upstream health signal: the
				// breaker is not informed.
				if last != nil {
					break
				}
				c.metrics.RecordRequest("no_healthy_sessions", time.Since(started).Seconds())
				return nil, NewAPIError(ErrTypeNoHealthySessions, http.StatusServiceUnavailable,
					"no healthy sessions available", requestID)
			}
			c.metrics.RecordRequest("canceled", time.Since(started).Seconds())
			return nil, NewAPIError(ErrTypeInternal, 499, "request canceled", requestID)
		}
		tried[lease.ID] = true
		lastSessionID = lease.ID

		onToken := c.tokenSink(startStream, &sw)
		result := c.client.Attempt(ctx, lease, req, onToken)

		outcome := result.Outcome
		if ctx.Err() != nil && outcome != session.OutcomeSuccess {
			// Caller cancellation: the attempt is abandoned and the
			// session still released.
			outcome = session.OutcomeTransport
		}
		c.pool.Release(ctx, lease.ID, outcome, result.LatencyMs)
		c.recordAttempt(requestID, attempt, lease.ID, result, outcome)
		last = result

		switch {
		case outcome == session.OutcomeSuccess:
			return c.finishSuccess(ctx, requestID, userID, lease.ID, req, result, sw, startStream, started)

		case outcome == session.OutcomeClientError:
			c.persistGeneration(ctx, requestID, lease.ID, req, result, result.Err)
			c.metrics.RecordRequest("upstream_rejected", time.Since(started).Seconds())
			return nil, NewAPIError(ErrTypeUpstreamRejected, mapClientStatus(result.StatusCode),
				fmt.Sprintf("upstream rejected the request (%d)", result.StatusCode), requestID)
		}

		if ctx.Err() != nil {
			break
		}
		if sw != nil {
			// Tokens already reached the caller; a clean retry is no
			// longer possible.
			break
		}
		if attempt+1 < c.cfg.MaxAttempts {
			if err := c.sleep(ctx, c.cfg.Backoff(attempt)); err != nil {
				break
			}
		}
	}

	return c.finishExhausted(ctx, requestID, lastSessionID, req, last, started)
}

// tokenSink builds the per-attempt token callback. The SSE writer is
// created on the first visible token, which is also the point of no
// return for retries.
func (c *Coordinator) tokenSink(startStream StreamStarter, sw **openai.StreamWriter) func(string) error {
	if startStream == nil {
		return nil
	}
	return func(token string) error {
		if *sw == nil {
			w, err := startStream()
			if err != nil {
				return err
			}
			*sw = w
		}
		return (*sw).WriteDelta(token)
	}
}

func (c *Coordinator) finishSuccess(ctx context.Context, requestID, userID, sessionID string, req *openai.ChatRequest, result *upstream.Result, sw *openai.StreamWriter, startStream StreamStarter, started time.Time) (*openai.ChatCompletion, *APIError) {
	c.breaker.RecordSuccess()
	stream := result.Stream
	usage := stream.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	genID := c.persistGeneration(ctx, requestID, sessionID, req, result, nil)
	c.persistTokenUsage(ctx, genID, userID, sessionID, req.Model, usage)
	c.metrics.RecordRequest("success", time.Since(started).Seconds())

	// Stream requested but the upstream delivered no incremental tokens:
	// emit the whole message as a single delta.
	if sw == nil && startStream != nil {
		w, err := startStream()
		if err != nil {
			return nil, NewAPIError(ErrTypeInternal, http.StatusInternalServerError, err.Error(), requestID)
		}
		sw = w
		if stream.Content != "" {
			_ = sw.WriteDelta(stream.Content)
		}
	}

	if sw != nil {
		if err := sw.Finish(stream.FinishReason, &usage); err != nil {
			slog.Debug("stream finish write failed", "requestId", requestID, "error", err)
		}
		return nil, nil
	}
	return openai.NewCompletion(req.Model, stream.Content, stream.Reasoning, stream.FinishReason, usage), nil
}

func (c *Coordinator) finishExhausted(ctx context.Context, requestID, sessionID string, req *openai.ChatRequest, last *upstream.Result, started time.Time) (*openai.ChatCompletion, *APIError) {
	var attemptErr error
	if last != nil {
		attemptErr = last.Err
	}
	canceled := ctx.Err() != nil
	if canceled && attemptErr == nil {
		attemptErr = ctx.Err()
	}

	c.persistGeneration(context.WithoutCancel(ctx), requestID, sessionID, req, last, attemptErr)

	if !canceled {
		if opened := c.breaker.RecordFailure(); opened {
			c.bus.Publish(events.Event{Type: events.EventCircuitOpen, Message: "circuit opened after repeated terminal failures"})
			slog.Warn("circuit opened", "requestId", requestID)
		}
	}

	status := http.StatusServiceUnavailable
	errType := ErrTypeServiceUnavailable
	msg := "all upstream attempts failed"
	if last != nil && last.Outcome == session.OutcomeTransport {
		status = http.StatusGatewayTimeout
		errType = ErrTypeUpstreamTimeout
		msg = "upstream attempt timed out"
	}
	if canceled {
		status = 499
		errType = ErrTypeInternal
		msg = "request canceled by caller"
	}
	c.metrics.RecordRequest("exhausted", time.Since(started).Seconds())
	if attemptErr != nil {
		msg = fmt.Sprintf("%s: %s", msg, telemetry.Snippet(attemptErr.Error(), 200))
	}
	return nil, NewAPIError(errType, status, msg, requestID)
}

// persistGeneration writes the single terminal row for this request.
// Persistence gaps are logged and swallowed; traffic continues.
func (c *Coordinator) persistGeneration(ctx context.Context, requestID, sessionID string, req *openai.ChatRequest, result *upstream.Result, attemptErr error) string {
	g := &store.Generation{
		RequestID:         requestID,
		SessionID:         sessionID,
		Provider:          c.cfg.Provider,
		Model:             req.Model,
		Prompt:            upstream.CanonicalPrompt(req.Messages),
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		MaxOutputTokens:   req.MaxOutputTokens,
		ParallelToolCalls: req.ParallelToolCallsOrDefault(),
		ToolChoice:        req.ToolChoice,
	}
	if result != nil {
		g.Status = result.StatusCode
		g.LatencyMs = result.LatencyMs
		if stream := result.Stream; stream != nil {
			g.ResponseText = stream.Content
			g.ReasoningContent = stream.Reasoning
			g.ResponseRaw = stream.Raw
			g.FinishReason = stream.FinishReason
			g.ResponseID = stream.ResponseID
			g.PreviousResponseID = stream.PreviousResponseID
			g.NumSourcesUsed = stream.NumSourcesUsed
			g.PromptTokens = stream.Usage.PromptTokens
			g.ResponseTokens = stream.Usage.CompletionTokens
			if d := stream.Usage.PromptTokensDetails; d != nil {
				g.CachedTokens = d.CachedTokens
				g.AudioTokens = d.AudioTokens
				g.ImageTokens = d.ImageTokens
			}
			if d := stream.Usage.CompletionTokensDetails; d != nil {
				g.ReasoningTokens = d.ReasoningTokens
				g.AcceptedPredictionTokens = d.AcceptedPredictionTokens
				g.RejectedPredictionTokens = d.RejectedPredictionTokens
			}
		}
	}
	if attemptErr != nil {
		g.ErrorMessage = telemetry.Snippet(attemptErr.Error(), 500)
		if g.Status == 0 {
			g.Status = http.StatusServiceUnavailable
		}
	}
	if g.LatencyMs < 0 {
		g.LatencyMs = 0
	}

	id, err := c.store.InsertGeneration(ctx, g)
	if err != nil {
		slog.Warn("generation not persisted", "requestId", requestID, "error", err)
		return ""
	}
	return id
}

func (c *Coordinator) persistTokenUsage(ctx context.Context, generationID, userID, sessionID, model string, usage openai.Usage) {
	if generationID == "" {
		return
	}
	promptCost, completionCost := costMicroUSD(model, usage.PromptTokens, usage.CompletionTokens)
	u := &store.TokenUsage{
		GenerationID:          generationID,
		UserID:                userID,
		SessionID:             sessionID,
		Provider:              c.cfg.Provider,
		Model:                 model,
		PromptTotalTokens:     usage.PromptTokens,
		CompletionTotalTokens: usage.CompletionTokens,
		TotalTokens:           usage.TotalTokens,
		PromptCostMicroUSD:     promptCost,
		CompletionCostMicroUSD: completionCost,
		TotalCostMicroUSD:      promptCost + completionCost,
	}
	u.PromptTextTokens = usage.PromptTokens
	if d := usage.PromptTokensDetails; d != nil {
		u.PromptTextTokens = d.TextTokens
		u.PromptAudioTokens = d.AudioTokens
		u.PromptImageTokens = d.ImageTokens
		u.PromptCachedTokens = d.CachedTokens
	}
	u.CompletionTextTokens = usage.CompletionTokens
	if d := usage.CompletionTokensDetails; d != nil {
		u.CompletionReasoningTokens = d.ReasoningTokens
		u.CompletionAudioTokens = d.AudioTokens
		u.CompletionAcceptedPredictionTokens = d.AcceptedPredictionTokens
		u.CompletionRejectedPredictionTokens = d.RejectedPredictionTokens
		u.CompletionTextTokens = usage.CompletionTokens - d.ReasoningTokens - d.AudioTokens
		if u.CompletionTextTokens < 0 {
			u.CompletionTextTokens = 0
		}
	}

	if _, err := c.store.InsertTokenUsage(ctx, u); err != nil {
		slog.Warn("token usage not persisted", "generationId", generationID, "error", err)
	}
}

// recordAttempt emits the structured per-attempt event. Cookie material
// never appears here; error snippets pass through the sanitizer.
func (c *Coordinator) recordAttempt(requestID string, attempt int, sessionID string, result *upstream.Result, outcome session.Outcome) {
	c.metrics.RecordAttempt(string(outcome))

	snippet := ""
	if result.Err != nil {
		snippet = telemetry.Snippet(result.Err.Error(), 200)
	} else if result.ErrorBody != "" {
		snippet = telemetry.Snippet(result.ErrorBody, 200)
	}

	c.bus.Publish(events.Event{
		Type:      events.EventAttempt,
		SessionID: sessionID,
		RequestID: requestID,
		Message:   fmt.Sprintf("attempt %d: %s (%d, %dms)", attempt, outcome, result.StatusCode, result.LatencyMs),
	})
	slog.Info("attempt",
		"requestId", requestID,
		"attempt", attempt,
		"sessionId", sessionID,
		"outcome", string(outcome),
		"status", result.StatusCode,
		"latencyMs", result.LatencyMs,
		"error", snippet)
}

func mapClientStatus(upstreamStatus int) int {
	switch upstreamStatus {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return upstreamStatus
	default:
		return http.StatusBadRequest
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
