package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yansir/grok-relay/internal/config"
	"github.com/yansir/grok-relay/internal/events"
	"github.com/yansir/grok-relay/internal/openai"
	"github.com/yansir/grok-relay/internal/secret"
	"github.com/yansir/grok-relay/internal/session"
	"github.com/yansir/grok-relay/internal/store"
	"github.com/yansir/grok-relay/internal/telemetry"
	"github.com/yansir/grok-relay/internal/upstream"
)

type plainProvider struct{}

func (plainProvider) GetClient(*session.Lease) *http.Client { return http.DefaultClient }

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Provider:                "grok",
		UpstreamURL:             upstreamURL,
		MaxAttempts:             5,
		CircuitFailureThreshold: 5,
		CircuitWindow:           time.Minute,
		CircuitRecoveryTimeout:  time.Minute,
		RotationThreshold:       500,
		MaxAge:                  24 * time.Hour,
		FailureThreshold:        0.2,
		MinUsageForRate:         20,
	}
}

type rig struct {
	coordinator *Coordinator
	pool        *session.Pool
	store       *store.SQLiteStore
	cfg         *config.Config
}

func newRig(t *testing.T, upstreamURL string, mutate func(*config.Config)) *rig {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(dbPath, store.Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := testConfig(upstreamURL)
	if mutate != nil {
		mutate(cfg)
	}

	metrics := telemetry.NewMetrics()
	bus := events.NewBus(64)
	crypto := secret.New("test-encryption-key")
	pool := session.NewPool(st, crypto, session.ClassifierConfig{
		RotationThreshold: cfg.RotationThreshold,
		MaxAge:            cfg.MaxAge,
		FailureThreshold:  cfg.FailureThreshold,
		MinUsageForRate:   cfg.MinUsageForRate,
	}, 0, metrics, bus)

	client := upstream.NewClient(cfg.UpstreamURL, []string{"test-agent"}, plainProvider{})
	c := NewCoordinator(pool, client, st, cfg, metrics, bus)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &rig{coordinator: c, pool: pool, store: st, cfg: cfg}
}

func (r *rig) seed(t *testing.T, cookies ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(cookies))
	for _, c := range cookies {
		row, err := r.pool.Create(context.Background(), c, "grok", nil)
		if err != nil {
			t.Fatalf("seed session: %v", err)
		}
		ids = append(ids, row.ID)
	}
	return ids
}

func chatReq(t *testing.T, body string) *openai.ChatRequest {
	t.Helper()
	var req openai.ChatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return &req
}

func successBody(content string) string {
	return fmt.Sprintf(`{"result":{"response":{"token":%q}}}
{"result":{"response":{"modelResponse":{"message":%q,"finishReason":"stop","usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}}}}
`, content, content)
}

func TestHandleHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, successBody("hi"))
	}))
	defer srv.Close()

	r := newRig(t, srv.URL, nil)
	ids := r.seed(t, "cookie-a", "cookie-b")

	completion, apiErr := r.coordinator.Handle(context.Background(), "req-1", "key-0",
		chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}],"stream":false}`), nil)
	if apiErr != nil {
		t.Fatalf("handle: %v", apiErr)
	}
	if got := completion.Choices[0].Message.Content; got != "hi" {
		t.Fatalf("content = %q", got)
	}
	if completion.Usage.TotalTokens != 7 {
		t.Fatalf("total tokens = %d", completion.Usage.TotalTokens)
	}

	gens, total, err := r.store.ListGenerations(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if total != 1 {
		t.Fatalf("generations = %d, want 1", total)
	}
	if gens[0].Status != 200 || gens[0].ResponseText != "hi" {
		t.Fatalf("generation = %+v", gens[0])
	}

	var usage, success int
	for _, id := range ids {
		row, err := r.store.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		usage += row.UsageCount
		success += row.SuccessCount
	}
	if usage != 1 || success != 1 {
		t.Fatalf("pool counters usage=%d success=%d, want 1/1", usage, success)
	}
}

func TestHandleRotatesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, successBody("ok"))
	}))
	defer srv.Close()

	r := newRig(t, srv.URL, nil)
	ids := r.seed(t, "cookie-a", "cookie-b")

	completion, apiErr := r.coordinator.Handle(context.Background(), "req-1", "key-0",
		chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}]}`), nil)
	if apiErr != nil {
		t.Fatalf("handle: %v", apiErr)
	}
	if got := completion.Choices[0].Message.Content; got != "ok" {
		t.Fatalf("content = %q", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", calls.Load())
	}

	var usage, success, failure int
	for _, id := range ids {
		row, _ := r.store.GetSession(context.Background(), id)
		usage += row.UsageCount
		success += row.SuccessCount
		failure += row.FailureCount
		if row.Status != store.StatusHealthy {
			t.Fatalf("rate limit must not demote, got %s", row.Status)
		}
	}
	if usage != 2 || success != 1 || failure != 1 {
		t.Fatalf("counters usage=%d success=%d failure=%d", usage, success, failure)
	}
}

func TestHandleMaxAttemptsOne(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newRig(t, srv.URL, func(c *config.Config) { c.MaxAttempts = 1 })
	r.seed(t, "cookie-a", "cookie-b")

	_, apiErr := r.coordinator.Handle(context.Background(), "req-1", "key-0",
		chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}]}`), nil)
	if apiErr == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("attempts = %d, want exactly 1", calls.Load())
	}

	_, total, _ := r.store.ListGenerations(context.Background(), 10, 0)
	if total != 1 {
		t.Fatalf("generations = %d, want 1", total)
	}
}

func TestHandleClientErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := newRig(t, srv.URL, nil)
	r.seed(t, "cookie-a", "cookie-b")

	_, apiErr := r.coordinator.Handle(context.Background(), "req-1", "key-0",
		chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}]}`), nil)
	if apiErr == nil {
		t.Fatal("expected error")
	}
	if apiErr.Type != ErrTypeUpstreamRejected || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("error = %s/%d", apiErr.Type, apiErr.Status)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not retry, attempts = %d", calls.Load())
	}
}

func TestHandleNoHealthySessions(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	r := newRig(t, srv.URL, func(c *config.Config) { c.CircuitFailureThreshold = 2 })

	// Capacity failures never trip the breaker.
	for i := 0; i < 5; i++ {
		_, apiErr := r.coordinator.Handle(context.Background(), fmt.Sprintf("req-%d", i), "key-0",
			chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}]}`), nil)
		if apiErr == nil || apiErr.Type != ErrTypeNoHealthySessions {
			t.Fatalf("request %d: expected no_healthy_sessions, got %v", i, apiErr)
		}
		if apiErr.Status != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", apiErr.Status)
		}
	}
	if calls.Load() != 0 {
		t.Fatal("upstream must not be touched without a session")
	}
}

func TestCircuitOpensAfterTerminalFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newRig(t, srv.URL, func(c *config.Config) {
		c.MaxAttempts = 1
		c.CircuitFailureThreshold = 2
	})
	ids := r.seed(t, "cookie-a")

	for i := 0; i < 2; i++ {
		_, apiErr := r.coordinator.Handle(context.Background(), fmt.Sprintf("req-%d", i), "key-0",
			chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}]}`), nil)
		if apiErr == nil {
			t.Fatalf("request %d should fail", i)
		}
	}
	attemptsBefore := calls.Load()
	if r.coordinator.BreakerState() != BreakerOpen {
		t.Fatalf("breaker = %s, want open", r.coordinator.BreakerState())
	}

	// Open circuit short-circuits without acquiring a session.
	_, apiErr := r.coordinator.Handle(context.Background(), "req-open", "key-0",
		chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}]}`), nil)
	if apiErr == nil || apiErr.Type != ErrTypeServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %v", apiErr)
	}
	if calls.Load() != attemptsBefore {
		t.Fatal("open circuit must not reach upstream")
	}

	row, _ := r.store.GetSession(context.Background(), ids[0])
	if row.UsageCount != int(attemptsBefore) {
		t.Fatalf("usage = %d, want %d (no increment while open)", row.UsageCount, attemptsBefore)
	}
}

func TestHandleCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	r := newRig(t, srv.URL, nil)
	ids := r.seed(t, "cookie-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, apiErr := r.coordinator.Handle(ctx, "req-1", "key-0",
		chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}]}`), nil)
	if apiErr == nil {
		t.Fatal("expected error")
	}

	// The abandoned attempt still released the session.
	row, err := r.store.GetSession(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if row.UsageCount != 1 || row.FailureCount != 1 {
		t.Fatalf("counters = %d/%d, want 1 usage 1 failure", row.UsageCount, row.FailureCount)
	}

	gens, total, _ := r.store.ListGenerations(context.Background(), 10, 0)
	if total != 1 {
		t.Fatalf("generations = %d, want 1", total)
	}
	if gens[0].ErrorMessage == "" {
		t.Fatal("cancellation must record an error message")
	}
}

func TestHandleStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"result":{"response":{"token":"Hel"}}}`)
		fmt.Fprintln(w, `{"result":{"response":{"token":"lo"}}}`)
		fmt.Fprintln(w, `{"result":{"response":{"modelResponse":{"message":"Hello","finishReason":"stop","usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}}}}`)
	}))
	defer srv.Close()

	r := newRig(t, srv.URL, nil)
	r.seed(t, "cookie-a")

	rec := httptest.NewRecorder()
	startStream := func() (*openai.StreamWriter, error) {
		return openai.NewStreamWriter(rec, "grok-3")
	}

	completion, apiErr := r.coordinator.Handle(context.Background(), "req-1", "key-0",
		chatReq(t, `{"model":"grok-3","messages":[{"role":"user","content":"hello"}],"stream":true}`), startStream)
	if apiErr != nil {
		t.Fatalf("handle: %v", apiErr)
	}
	if completion != nil {
		t.Fatal("streamed responses must not also return a completion")
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"content":"Hel"`) || !strings.Contains(body, `"content":"lo"`) {
		t.Fatalf("missing deltas in stream:\n%s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Fatalf("missing finish chunk:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Fatalf("stream must end with [DONE]:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestCostMicroUSD(t *testing.T) {
	prompt, completion := costMicroUSD("grok-3", 1_000_000, 1_000_000)
	if prompt != 3_000_000 || completion != 15_000_000 {
		t.Fatalf("grok-3 cost = %d/%d", prompt, completion)
	}
	prompt, completion = costMicroUSD("grok-3-mini-fast", 1_000_000, 2_000_000)
	if prompt != 300_000 || completion != 1_000_000 {
		t.Fatalf("grok-3-mini cost = %d/%d", prompt, completion)
	}
	if p, _ := costMicroUSD("unknown-model", 100, 0); p != 300 {
		// 100 tokens at the default $3/M is 300 micro-USD
		t.Fatalf("tiny prompt cost = %d", p)
	}
}
