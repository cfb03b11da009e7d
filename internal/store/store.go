package store

import (
	"context"
	"errors"
	"time"
)

// Session status values. Transitions are validated by UpdateStatus against
// the table below; revoked is terminal.
const (
	StatusHealthy     = "healthy"
	StatusQuarantined = "quarantined"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing
	// (provider, cookie_hash) pair.
	ErrDuplicate = errors.New("duplicate session")
	// ErrUnavailable wraps persistent connectivity failures after retries.
	// Callers treat it as a telemetry gap, not a request failure.
	ErrUnavailable = errors.New("persistence unavailable")
	// ErrBadTransition is returned by UpdateStatus for transitions outside
	// the permitted table.
	ErrBadTransition = errors.New("status transition not permitted")
)

// CanTransition reports whether from → to is a permitted status change.
// Permitted: healthy → quarantined, healthy/quarantined → expired,
// any non-revoked → revoked, quarantined → healthy (operator activation).
func CanTransition(from, to string) bool {
	if from == StatusRevoked {
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case StatusRevoked:
		return true
	case StatusExpired:
		return from == StatusHealthy || from == StatusQuarantined
	case StatusQuarantined:
		return from == StatusHealthy
	case StatusHealthy:
		return from == StatusQuarantined
	}
	return false
}

// Session is one pool member row. Cookie material is stored encrypted;
// CookieEnc is opaque to everything except internal/secret and never
// serialized outward.
type Session struct {
	ID                string         `json:"id"`
	CookieEnc         string         `json:"-"`
	CookieHash        string         `json:"cookie_hash"`
	Provider          string         `json:"provider"`
	CreatedAt         time.Time      `json:"created_at"`
	LastUsedAt        *time.Time     `json:"last_used_at,omitempty"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	UsageCount        int            `json:"usage_count"`
	SuccessCount      int            `json:"success_count"`
	FailureCount      int            `json:"failure_count"`
	TotalLatencyMs    int64          `json:"total_latency_ms"`
	Status            string         `json:"status"`
	LastHealthCheckAt *time.Time     `json:"last_health_check_at,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SessionFilter narrows ListSessions. Zero values mean "any".
type SessionFilter struct {
	Status   string
	Provider string
}

// Generation is the terminal record of one inbound request.
type Generation struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	SessionID      string    `json:"session_id,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Prompt         string    `json:"prompt"`
	PromptTokens   int       `json:"prompt_tokens"`
	ResponseText   string    `json:"response_text"`
	ResponseTokens int       `json:"response_tokens"`
	ResponseRaw    string    `json:"response_raw,omitempty"`
	Status         int       `json:"status"`
	LatencyMs      int64     `json:"latency_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	ReasoningTokens          int      `json:"reasoning_tokens"`
	AudioTokens              int      `json:"audio_tokens"`
	ImageTokens              int      `json:"image_tokens"`
	CachedTokens             int      `json:"cached_tokens"`
	AcceptedPredictionTokens int      `json:"accepted_prediction_tokens"`
	RejectedPredictionTokens int      `json:"rejected_prediction_tokens"`
	NumSourcesUsed           int      `json:"num_sources_used"`
	ResponseID               string   `json:"response_id,omitempty"`
	PreviousResponseID       string   `json:"previous_response_id,omitempty"`
	Temperature              *float64 `json:"temperature,omitempty"`
	TopP                     *float64 `json:"top_p,omitempty"`
	MaxOutputTokens          *int     `json:"max_output_tokens,omitempty"`
	ParallelToolCalls        bool     `json:"parallel_tool_calls"`
	ToolChoice               string   `json:"tool_choice,omitempty"`
	FinishReason             string   `json:"finish_reason,omitempty"`
	ReasoningContent         string   `json:"reasoning_content,omitempty"`
	IncompleteDetails        string   `json:"incomplete_details,omitempty"`
	Annotations              string   `json:"annotations,omitempty"`
}

// TokenUsage is an append-only accounting row per successful generation.
// Costs are integer micro-USD.
type TokenUsage struct {
	ID           string
	GenerationID string
	UserID       string
	SessionID    string
	CreatedAt    time.Time
	Provider     string
	Model        string

	PromptTextTokens   int
	PromptAudioTokens  int
	PromptImageTokens  int
	PromptCachedTokens int
	PromptTotalTokens  int

	CompletionReasoningTokens          int
	CompletionAudioTokens              int
	CompletionTextTokens               int
	CompletionAcceptedPredictionTokens int
	CompletionRejectedPredictionTokens int
	CompletionTotalTokens              int

	TotalTokens int

	PromptCostMicroUSD     int64
	CompletionCostMicroUSD int64
	TotalCostMicroUSD      int64
}

// Store is the persistence gateway. Each operation is one transactional
// unit; IncrementUsage serializes at the row level.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	InsertSession(ctx context.Context, cookieEnc, cookieHash, provider string, metadata map[string]any) (*Session, error)
	UpdateStatus(ctx context.Context, id, newStatus, reason string) error
	IncrementUsage(ctx context.Context, id string, success bool, deltaLatencyMs int64) error
	MarkHealthChecked(ctx context.Context, id string) error

	InsertGeneration(ctx context.Context, g *Generation) (string, error)
	InsertTokenUsage(ctx context.Context, u *TokenUsage) (string, error)

	ListGenerations(ctx context.Context, limit, offset int) ([]*Generation, int, error)
}
