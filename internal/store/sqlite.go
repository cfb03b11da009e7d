package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store over a single SQLite database. Connection
// acquisition is scoped by database/sql; transient failures are retried
// before surfacing as ErrUnavailable.
type SQLiteStore struct {
	db        *sql.DB
	retries   int
	retryWait time.Duration
}

// Options tunes the connection pool and retry behavior.
type Options struct {
	MinConns  int
	MaxConns  int
	Retries   int
	RetryWait time.Duration
}

func New(dbPath string, opts Options) (*SQLiteStore, error) {
	// Pragmas go on the DSN so every pooled connection gets them.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		db.SetMaxIdleConns(opts.MinConns)
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if opts.Retries <= 0 {
		opts.Retries = 2
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 200 * time.Millisecond
	}
	return &SQLiteStore{db: db, retries: opts.Retries, retryWait: opts.RetryWait}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// withRetry runs fn up to retries+1 times with a short pause. Logical
// errors (not found, duplicate, bad transition) pass through untouched;
// whatever still fails afterwards is wrapped as ErrUnavailable.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err = fn()
		if err == nil || isLogicalErr(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(s.retryWait):
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isLogicalErr(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrBadTransition)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

const sessionCols = `id, cookie_enc, cookie_hash, provider, created_at, last_used_at,
	expires_at, usage_count, success_count, failure_count, total_latency_ms,
	status, last_health_check_at, metadata_json`

func scanSession(scanner interface{ Scan(...any) error }) (*Session, error) {
	var (
		sess                        Session
		createdAt                   int64
		lastUsedAt, expiresAt, hcAt sql.NullInt64
		metadataJSON                string
	)
	err := scanner.Scan(
		&sess.ID, &sess.CookieEnc, &sess.CookieHash, &sess.Provider, &createdAt,
		&lastUsedAt, &expiresAt, &sess.UsageCount, &sess.SuccessCount,
		&sess.FailureCount, &sess.TotalLatencyMs, &sess.Status, &hcAt, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.LastUsedAt = nullTime(lastUsedAt)
	sess.ExpiresAt = nullTime(expiresAt)
	sess.LastHealthCheckAt = nullTime(hcAt)
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &sess.Metadata)
	}
	return &sess, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 == 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	where := "1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Provider != "" {
		where += " AND provider = ?"
		args = append(args, f.Provider)
	}

	var sessions []*Session
	err := s.withRetry(ctx, func() error {
		sessions = sessions[:0]
		// last_used_at ascending, nulls first, for least-recently-used selection.
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+sessionCols+" FROM sessions WHERE "+where+
				" ORDER BY last_used_at IS NOT NULL, last_used_at ASC", args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, sess)
		}
		return rows.Err()
	})
	return sessions, err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess *Session
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, "SELECT "+sessionCols+" FROM sessions WHERE id = ?", id)
		var err error
		sess, err = scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return sess, err
}

func (s *SQLiteStore) InsertSession(ctx context.Context, cookieEnc, cookieHash, provider string, metadata map[string]any) (*Session, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	sess := &Session{
		ID:         uuid.New().String(),
		CookieEnc:  cookieEnc,
		CookieHash: cookieHash,
		Provider:   provider,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusHealthy,
		Metadata:   metadata,
	}

	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, cookie_enc, cookie_hash, provider, created_at, status, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, cookieEnc, cookieHash, provider, sess.CreatedAt.Unix(), StatusHealthy, string(metadataJSON))
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, newStatus, reason string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !CanTransition(current, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, current, newStatus)
		}
		if current == newStatus {
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, status_reason = ? WHERE id = ?",
			newStatus, reason, id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// IncrementUsage bumps the counters atomically in a single UPDATE, so
// concurrent increments on the same row serialize without lost updates.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, id string, success bool, deltaLatencyMs int64) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	if deltaLatencyMs < 0 {
		deltaLatencyMs = 0
	}
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET usage_count = usage_count + 1,
				success_count = success_count + ?,
				failure_count = failure_count + ?,
				total_latency_ms = total_latency_ms + ?,
				last_used_at = ?
			WHERE id = ?`,
			succ, fail, deltaLatencyMs, time.Now().Unix(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return err
	})
}

func (s *SQLiteStore) MarkHealthChecked(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET last_health_check_at = ? WHERE id = ?",
			time.Now().Unix(), id)
		return err
	})
}

// ---------------------------------------------------------------------------
// Generations
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertGeneration(ctx context.Context, g *Generation) (string, error) {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO generations (id, request_id, session_id, provider, model, prompt,
				prompt_tokens, response_text, response_tokens, response_raw, status,
				latency_ms, error_message, created_at, reasoning_tokens, audio_tokens,
				image_tokens, cached_tokens, accepted_prediction_tokens,
				rejected_prediction_tokens, num_sources_used, response_id,
				previous_response_id, temperature, top_p, max_output_tokens,
				parallel_tool_calls, tool_choice, finish_reason, reasoning_content,
				incomplete_details, annotations)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.RequestID, nullStr(g.SessionID), g.Provider, g.Model, g.Prompt,
			g.PromptTokens, g.ResponseText, g.ResponseTokens, g.ResponseRaw, g.Status,
			g.LatencyMs, g.ErrorMessage, g.CreatedAt.Unix(), g.ReasoningTokens, g.AudioTokens,
			g.ImageTokens, g.CachedTokens, g.AcceptedPredictionTokens,
			g.RejectedPredictionTokens, g.NumSourcesUsed, g.ResponseID,
			g.PreviousResponseID, nullFloat(g.Temperature), nullFloat(g.TopP), nullInt(g.MaxOutputTokens),
			boolInt(g.ParallelToolCalls), g.ToolChoice, g.FinishReason, g.ReasoningContent,
			g.IncompleteDetails, g.Annotations)
		return err
	})
	if err != nil {
		return "", err
	}
	return g.ID, nil
}

func (s *SQLiteStore) InsertTokenUsage(ctx context.Context, u *TokenUsage) (string, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO token_usage (id, generation_id, user_id, session_id, created_at,
				provider, model, prompt_text_tokens, prompt_audio_tokens,
				prompt_image_tokens, prompt_cached_tokens, prompt_total_tokens,
				completion_reasoning_tokens, completion_audio_tokens,
				completion_text_tokens, completion_accepted_prediction_tokens,
				completion_rejected_prediction_tokens, completion_total_tokens,
				total_tokens, prompt_cost_micro_usd, completion_cost_micro_usd,
				total_cost_micro_usd)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.GenerationID, u.UserID, u.SessionID, u.CreatedAt.Unix(),
			u.Provider, u.Model, u.PromptTextTokens, u.PromptAudioTokens,
			u.PromptImageTokens, u.PromptCachedTokens, u.PromptTotalTokens,
			u.CompletionReasoningTokens, u.CompletionAudioTokens,
			u.CompletionTextTokens, u.CompletionAcceptedPredictionTokens,
			u.CompletionRejectedPredictionTokens, u.CompletionTotalTokens,
			u.TotalTokens, u.PromptCostMicroUSD, u.CompletionCostMicroUSD,
			u.TotalCostMicroUSD)
		return err
	})
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (s *SQLiteStore) ListGenerations(ctx context.Context, limit, offset int) ([]*Generation, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		gens  []*Generation
		total int
	)
	err := s.withRetry(ctx, func() error {
		gens = gens[:0]
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM generations").Scan(&total); err != nil {
			return err
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, request_id, COALESCE(session_id, ''), provider, model, prompt,
				prompt_tokens, response_text, response_tokens, status, latency_ms,
				error_message, finish_reason, created_at
			FROM generations ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			g := &Generation{}
			var ts int64
			if err := rows.Scan(&g.ID, &g.RequestID, &g.SessionID, &g.Provider, &g.Model,
				&g.Prompt, &g.PromptTokens, &g.ResponseText, &g.ResponseTokens,
				&g.Status, &g.LatencyMs, &g.ErrorMessage, &g.FinishReason, &ts); err != nil {
				return err
			}
			g.CreatedAt = time.Unix(ts, 0).UTC()
			gens = append(gens, g)
		}
		return rows.Err()
	})
	return gens, total, err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
