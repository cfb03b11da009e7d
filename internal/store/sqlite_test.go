package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTestSession(t *testing.T, s *SQLiteStore, hash string) *Session {
	t.Helper()
	sess, err := s.InsertSession(context.Background(), "enc:"+hash, hash, "grok", nil)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return sess
}

func TestInsertAndGetSession(t *testing.T) {
	s := newTestStore(t)
	sess := insertTestSession(t, s, "hash-a")

	got, err := s.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusHealthy || got.Provider != "grok" || got.CookieHash != "hash-a" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.UsageCount != 0 || got.SuccessCount != 0 || got.FailureCount != 0 {
		t.Fatal("counters must start at zero")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertDuplicateHash(t *testing.T) {
	s := newTestStore(t)
	insertTestSession(t, s, "hash-a")

	_, err := s.InsertSession(context.Background(), "enc2", "hash-a", "grok", nil)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Different provider, same hash: allowed.
	if _, err := s.InsertSession(context.Background(), "enc3", "hash-a", "other", nil); err != nil {
		t.Fatalf("different provider should succeed: %v", err)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := insertTestSession(t, s, "hash-a")

	if err := s.UpdateStatus(ctx, sess.ID, StatusQuarantined, "test"); err != nil {
		t.Fatalf("healthy -> quarantined: %v", err)
	}
	if err := s.UpdateStatus(ctx, sess.ID, StatusExpired, "test"); err != nil {
		t.Fatalf("quarantined -> expired: %v", err)
	}
	if err := s.UpdateStatus(ctx, sess.ID, StatusHealthy, "test"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expired -> healthy must be rejected, got %v", err)
	}
	if err := s.UpdateStatus(ctx, sess.ID, StatusRevoked, "test"); err != nil {
		t.Fatalf("expired -> revoked: %v", err)
	}
	if err := s.UpdateStatus(ctx, sess.ID, StatusHealthy, "test"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("revoked is terminal, got %v", err)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateStatus(context.Background(), "nope", StatusRevoked, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementUsageConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := insertTestSession(t, s, "hash-a")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(success bool) {
			defer wg.Done()
			if err := s.IncrementUsage(ctx, sess.ID, success, 10); err != nil {
				t.Errorf("increment: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsageCount != n {
		t.Fatalf("usage = %d, want %d", got.UsageCount, n)
	}
	if got.SuccessCount+got.FailureCount != got.UsageCount {
		t.Fatalf("counter invariant violated: %d+%d != %d", got.SuccessCount, got.FailureCount, got.UsageCount)
	}
	if got.TotalLatencyMs != int64(n)*10 {
		t.Fatalf("total latency = %d, want %d", got.TotalLatencyMs, n*10)
	}
	if got.LastUsedAt == nil {
		t.Fatal("last_used_at must be set")
	}
}

func TestListSessionsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := insertTestSession(t, s, "hash-a")
	b := insertTestSession(t, s, "hash-b")
	c := insertTestSession(t, s, "hash-c")

	// b was used; a and c never were. Nulls sort first.
	if err := s.IncrementUsage(ctx, b.ID, true, 5); err != nil {
		t.Fatalf("increment: %v", err)
	}

	rows, err := s.ListSessions(ctx, SessionFilter{Provider: "grok"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[2].ID != b.ID {
		t.Fatalf("used session must sort last, got %s", rows[2].ID)
	}
	unused := map[string]bool{rows[0].ID: true, rows[1].ID: true}
	if !unused[a.ID] || !unused[c.ID] {
		t.Fatalf("never-used sessions must sort first, got %v", unused)
	}
}

func TestListSessionsFilterByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := insertTestSession(t, s, "hash-a")
	insertTestSession(t, s, "hash-b")
	if err := s.UpdateStatus(ctx, a.ID, StatusQuarantined, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := s.ListSessions(ctx, SessionFilter{Status: StatusQuarantined})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != a.ID {
		t.Fatalf("filter mismatch: %+v", rows)
	}
}

func TestMarkHealthChecked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := insertTestSession(t, s, "hash-a")

	if err := s.MarkHealthChecked(ctx, sess.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.LastHealthCheckAt == nil {
		t.Fatal("last_health_check_at must be set")
	}
}

func TestInsertGenerationAndTokenUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	temp := 0.7
	g := &Generation{
		RequestID:    "req-1",
		SessionID:    "sess-1",
		Provider:     "grok",
		Model:        "grok-3",
		Prompt:       "user: hello",
		PromptTokens: 5,
		ResponseText: "hi",
		ResponseTokens: 2,
		Status:       200,
		LatencyMs:    120,
		Temperature:  &temp,
		ParallelToolCalls: true,
		FinishReason: "stop",
	}
	genID, err := s.InsertGeneration(ctx, g)
	if err != nil {
		t.Fatalf("insert generation: %v", err)
	}
	if genID == "" {
		t.Fatal("generation id must be set")
	}

	u := &TokenUsage{
		GenerationID:          genID,
		UserID:                "key-0",
		SessionID:             "sess-1",
		Provider:              "grok",
		Model:                 "grok-3",
		PromptTotalTokens:     5,
		CompletionTotalTokens: 2,
		TotalTokens:           7,
		PromptCostMicroUSD:    15,
		CompletionCostMicroUSD: 30,
		TotalCostMicroUSD:      45,
	}
	if _, err := s.InsertTokenUsage(ctx, u); err != nil {
		t.Fatalf("insert token usage: %v", err)
	}

	gens, total, err := s.ListGenerations(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if total != 1 || len(gens) != 1 {
		t.Fatalf("got %d/%d generations", len(gens), total)
	}
	if gens[0].ResponseText != "hi" || gens[0].Status != 200 || gens[0].LatencyMs != 120 {
		t.Fatalf("unexpected generation: %+v", gens[0])
	}
}
