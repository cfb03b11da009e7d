package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yansir/grok-relay/internal/events"
	"github.com/yansir/grok-relay/internal/secret"
	"github.com/yansir/grok-relay/internal/store"
	"github.com/yansir/grok-relay/internal/telemetry"
)

// ErrNoCapacity is returned by Acquire when no healthy session exists for
// the provider within the bounded wait.
var ErrNoCapacity = errors.New("no healthy sessions")

const (
	// Consecutive auth failures before a session is quarantined. A streak
	// twice that long means the quarantine never stuck; revoke instead.
	authQuarantineAfter    = 3
	authRevokeAfter        = 6
	antiBotQuarantineAfter = 3
)

// ProxyConfig pins a session's egress to a specific exit, read from the
// session metadata "proxy" object.
type ProxyConfig struct {
	Type     string
	Host     string
	Port     int
	Username string
	Password string
}

// Lease is a handle to one acquired session. Cookie is decrypted and must
// never be logged.
type Lease struct {
	ID       string
	Provider string
	Cookie   string
	Proxy    *ProxyConfig
}

type entry struct {
	row           *store.Session
	cookie        string
	proxy         *ProxyConfig
	leases        int
	consecAuth    int
	consecAntiBot int
}

// Pool keeps the in-memory projection of session rows and is the sole
// mutator of session status and counters in the process.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*entry

	store       store.Store
	crypto      *secret.Crypto
	cfg         ClassifierConfig
	acquireWait time.Duration
	metrics     *telemetry.Metrics
	bus         *events.Bus
}

func NewPool(st store.Store, crypto *secret.Crypto, cfg ClassifierConfig, acquireWait time.Duration, metrics *telemetry.Metrics, bus *events.Bus) *Pool {
	return &Pool{
		sessions:    make(map[string]*entry),
		store:       st,
		crypto:      crypto,
		cfg:         cfg,
		acquireWait: acquireWait,
		metrics:     metrics,
		bus:         bus,
	}
}

// Load refreshes the projection from persistence. Lease counts and
// consecutive-failure counters survive the reload; counter columns take
// the max of the stored and in-memory values so a stale read never winds
// a session's accounting backwards.
func (p *Pool) Load(ctx context.Context) error {
	rows, err := p.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.ID] = true
		if e, ok := p.sessions[row.ID]; ok {
			if row.UsageCount < e.row.UsageCount {
				row.UsageCount = e.row.UsageCount
				row.SuccessCount = e.row.SuccessCount
				row.FailureCount = e.row.FailureCount
				row.TotalLatencyMs = e.row.TotalLatencyMs
			}
			e.row = row
			continue
		}
		cookie, err := p.crypto.DecryptCookie(row.CookieEnc)
		if err != nil {
			slog.Warn("cookie decrypt failed, session unusable", "sessionId", row.ID, "error", err)
			continue
		}
		p.sessions[row.ID] = &entry{
			row:    row,
			cookie: cookie,
			proxy:  proxyFromMetadata(row.Metadata),
		}
	}
	for id := range p.sessions {
		if !seen[id] {
			delete(p.sessions, id)
		}
	}
	return nil
}

// Create encrypts and persists a new session, then adds it to the
// projection. Duplicate (provider, cookie_hash) pairs surface
// store.ErrDuplicate.
func (p *Pool) Create(ctx context.Context, cookie, provider string, metadata map[string]any) (*store.Session, error) {
	enc, err := p.crypto.EncryptCookie(cookie)
	if err != nil {
		return nil, fmt.Errorf("encrypt cookie: %w", err)
	}
	row, err := p.store.InsertSession(ctx, enc, secret.HashCookie(cookie), provider, metadata)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[row.ID] = &entry{
		row:    row,
		cookie: cookie,
		proxy:  proxyFromMetadata(metadata),
	}
	p.mu.Unlock()

	slog.Info("session created", "sessionId", row.ID, "provider", provider)
	return sanitizeRow(row), nil
}

// Acquire hands out the best healthy session for the provider, waiting up
// to the configured bound when the pool is momentarily empty. Candidates
// are ordered by fewest in-flight leases, then lowest usage, then oldest
// last use. A session may be re-leased when it is the only candidate.
func (p *Pool) Acquire(ctx context.Context, provider string, exclude map[string]bool) (*Lease, error) {
	deadline := time.Now().Add(p.acquireWait)
	for {
		if lease := p.tryAcquire(provider, exclude); lease != nil {
			return lease, nil
		}
		if p.acquireWait <= 0 || time.Now().After(deadline) {
			return nil, ErrNoCapacity
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *Pool) tryAcquire(provider string, exclude map[string]bool) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var candidates []*entry
	for _, e := range p.sessions {
		if e.row.Provider != provider {
			continue
		}
		if exclude[e.row.ID] {
			continue
		}
		if EffectiveStatus(e.row, now, p.cfg) != store.StatusHealthy {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.leases != b.leases {
			return a.leases < b.leases
		}
		if a.row.UsageCount != b.row.UsageCount {
			return a.row.UsageCount < b.row.UsageCount
		}
		return timeOrZero(a.row.LastUsedAt).Before(timeOrZero(b.row.LastUsedAt))
	})

	selected := candidates[0]
	selected.leases++
	return &Lease{
		ID:       selected.row.ID,
		Provider: selected.row.Provider,
		Cookie:   selected.cookie,
		Proxy:    selected.proxy,
	}
}

// Release records an attempt outcome against the leased session: counters
// and the attempt's wall-clock latency are persisted via the gateway's
// atomic increment, consecutive-failure tracking runs, and any resulting
// demotion is proposed.
func (p *Pool) Release(ctx context.Context, id string, outcome Outcome, latencyMs int64) {
	success := outcome == OutcomeSuccess
	if latencyMs < 0 {
		latencyMs = 0
	}

	p.mu.Lock()
	e, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.leases > 0 {
		e.leases--
	}
	now := time.Now().UTC()
	e.row.UsageCount++
	if success {
		e.row.SuccessCount++
	} else {
		e.row.FailureCount++
	}
	e.row.TotalLatencyMs += latencyMs
	e.row.LastUsedAt = &now

	if outcome == OutcomeAuthFailure {
		e.consecAuth++
	} else {
		e.consecAuth = 0
	}
	if outcome == OutcomeAntiBot {
		e.consecAntiBot++
	} else {
		e.consecAntiBot = 0
	}

	var proposal, reason string
	switch {
	case e.consecAuth >= authRevokeAfter:
		proposal, reason = store.StatusRevoked, "auth_failure"
	case e.consecAuth >= authQuarantineAfter && e.row.Status == store.StatusHealthy:
		proposal, reason = store.StatusQuarantined, "auth_failure"
	case e.consecAntiBot >= antiBotQuarantineAfter && e.row.Status == store.StatusHealthy:
		proposal, reason = store.StatusQuarantined, "anti_bot"
	}
	p.mu.Unlock()

	// Accounting must survive caller cancellation.
	persistCtx := context.WithoutCancel(ctx)
	if err := p.store.IncrementUsage(persistCtx, id, success, latencyMs); err != nil {
		// Counters degrade gracefully to the in-memory view.
		slog.Warn("usage increment not persisted", "sessionId", id, "error", err)
	}

	if proposal != "" {
		p.propose(persistCtx, id, proposal, reason)
	}
}

// propose applies a status transition through the gateway and mirrors it
// into the projection when accepted.
func (p *Pool) propose(ctx context.Context, id, newStatus, reason string) {
	if err := p.store.UpdateStatus(ctx, id, newStatus, reason); err != nil {
		if !errors.Is(err, store.ErrBadTransition) {
			slog.Warn("status transition not persisted", "sessionId", id, "to", newStatus, "error", err)
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return
		}
		// Persistence gap: keep the in-memory projection authoritative.
	}

	p.mu.Lock()
	if e, ok := p.sessions[id]; ok && store.CanTransition(e.row.Status, newStatus) {
		e.row.Status = newStatus
	}
	p.mu.Unlock()

	p.metrics.RecordRotation(reason)
	eventType := events.EventQuarantine
	if newStatus == store.StatusRevoked {
		eventType = events.EventRevoke
	} else if newStatus == store.StatusExpired {
		eventType = events.EventExpire
	}
	p.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: id,
		Message:   fmt.Sprintf("session %s: %s (%s)", id, newStatus, reason),
	})
	slog.Info("session demoted", "sessionId", id, "status", newStatus, "reason", reason)
}

// Quarantine moves a session to quarantined by operator request.
// Quarantining an already-quarantined session is a no-op.
func (p *Pool) Quarantine(ctx context.Context, id string) error {
	return p.adminTransition(ctx, id, store.StatusQuarantined, "admin", events.EventQuarantine)
}

// Revoke terminally disables a session.
func (p *Pool) Revoke(ctx context.Context, id string) error {
	return p.adminTransition(ctx, id, store.StatusRevoked, "admin", events.EventRevoke)
}

// Activate re-promotes a quarantined session to healthy. This is the only
// path back from quarantine; the health loop never re-promotes.
func (p *Pool) Activate(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.sessions[id]
	if ok && e.row.Status != store.StatusQuarantined {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", store.ErrBadTransition, e.row.Status, store.StatusHealthy)
	}
	p.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}

	if err := p.store.UpdateStatus(ctx, id, store.StatusHealthy, "admin activate"); err != nil {
		return err
	}

	p.mu.Lock()
	if e, ok := p.sessions[id]; ok {
		e.row.Status = store.StatusHealthy
		e.consecAuth = 0
		e.consecAntiBot = 0
	}
	p.mu.Unlock()

	p.bus.Publish(events.Event{Type: events.EventActivate, SessionID: id, Message: "session re-activated by operator"})
	return nil
}

func (p *Pool) adminTransition(ctx context.Context, id, newStatus string, reason string, eventType events.EventType) error {
	p.mu.Lock()
	_, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}

	if err := p.store.UpdateStatus(ctx, id, newStatus, reason); err != nil {
		return err
	}

	p.mu.Lock()
	if e, ok := p.sessions[id]; ok {
		e.row.Status = newStatus
	}
	p.mu.Unlock()

	p.bus.Publish(events.Event{Type: eventType, SessionID: id, Message: "operator transition to " + newStatus})
	return nil
}

// Stats summarizes the projection by effective status.
type Stats struct {
	Total          int     `json:"total"`
	Healthy        int     `json:"healthy"`
	Quarantined    int     `json:"quarantined"`
	Expired        int     `json:"expired"`
	Revoked        int     `json:"revoked"`
	AvgFailureRate float64 `json:"avg_failure_rate"`
	AvgLatencyMs   int64   `json:"avg_latency_ms"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var s Stats
	var rateSum float64
	var rated int
	var latencySum, usageSum int64
	for _, e := range p.sessions {
		s.Total++
		switch EffectiveStatus(e.row, now, p.cfg) {
		case store.StatusHealthy:
			s.Healthy++
		case store.StatusQuarantined:
			s.Quarantined++
		case store.StatusExpired:
			s.Expired++
		case store.StatusRevoked:
			s.Revoked++
		}
		if e.row.UsageCount > 0 {
			rateSum += float64(e.row.FailureCount) / float64(e.row.UsageCount)
			rated++
			latencySum += e.row.TotalLatencyMs
			usageSum += int64(e.row.UsageCount)
		}
	}
	if rated > 0 {
		s.AvgFailureRate = rateSum / float64(rated)
	}
	if usageSum > 0 {
		s.AvgLatencyMs = latencySum / usageSum
	}
	return s
}

// StatusCounts feeds the active_sessions gauge.
func (p *Pool) StatusCounts() map[string]int {
	s := p.Stats()
	return map[string]int{
		store.StatusHealthy:     s.Healthy,
		store.StatusQuarantined: s.Quarantined,
		store.StatusExpired:     s.Expired,
		store.StatusRevoked:     s.Revoked,
	}
}

// List returns sanitized snapshots of every session in the projection,
// ordered by creation time.
func (p *Pool) List() []*store.Session {
	p.mu.Lock()
	out := make([]*store.Session, 0, len(p.sessions))
	for _, e := range p.sessions {
		out = append(out, sanitizeRow(e.row))
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns one sanitized snapshot.
func (p *Pool) Get(id string) (*store.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	return sanitizeRow(e.row), true
}

// reclassify applies the classifier to every session and proposes
// automatic demotions. Re-promotion is never automatic. Returns the ids
// scanned so the caller can stamp health-check timestamps.
func (p *Pool) reclassify(ctx context.Context) []string {
	now := time.Now()

	type demotion struct {
		id, to, reason string
	}
	var demotions []demotion

	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id, e := range p.sessions {
		ids = append(ids, id)
		effective := EffectiveStatus(e.row, now, p.cfg)
		if effective == e.row.Status {
			continue
		}
		switch effective {
		case store.StatusExpired:
			demotions = append(demotions, demotion{id, store.StatusExpired, ExpiryReason(e.row, now, p.cfg)})
		case store.StatusQuarantined:
			demotions = append(demotions, demotion{id, store.StatusQuarantined, "failure_rate"})
		}
	}
	p.mu.Unlock()

	for _, d := range demotions {
		p.propose(ctx, d.id, d.to, d.reason)
	}
	return ids
}

func sanitizeRow(row *store.Session) *store.Session {
	cp := *row
	cp.CookieEnc = ""
	return &cp
}

func proxyFromMetadata(md map[string]any) *ProxyConfig {
	raw, ok := md["proxy"].(map[string]any)
	if !ok {
		return nil
	}
	pc := &ProxyConfig{}
	pc.Type, _ = raw["type"].(string)
	pc.Host, _ = raw["host"].(string)
	if port, ok := raw["port"].(float64); ok {
		pc.Port = int(port)
	}
	pc.Username, _ = raw["username"].(string)
	pc.Password, _ = raw["password"].(string)
	if pc.Host == "" {
		return nil
	}
	return pc
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
