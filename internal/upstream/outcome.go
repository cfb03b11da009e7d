package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/yansir/grok-relay/internal/session"
)

// challengePattern matches Cloudflare challenge interstitials in response
// bodies. A 403/503 carrying one of these is an anti-bot interception, not
// an application answer.
var challengePattern = regexp.MustCompile(`(?i)(cf-chl|challenge-platform|just a moment|attention required|cf_chl_opt|turnstile)`)

var rateLimitPattern = regexp.MustCompile(`(?i)rate ?limit`)

// ClassifyResponse maps an upstream HTTP status plus its first error body
// into exactly one outcome class.
func ClassifyResponse(status int, body []byte, hdr http.Header) session.Outcome {
	switch {
	case status >= 200 && status < 300:
		return session.OutcomeSuccess
	case status == http.StatusTooManyRequests || rateLimitPattern.Match(body):
		return session.OutcomeRateLimit
	case status == http.StatusForbidden:
		if isChallenge(body, hdr) {
			return session.OutcomeAntiBot
		}
		return session.OutcomeAuthFailure
	case status == http.StatusUnauthorized:
		return session.OutcomeAuthFailure
	case status == http.StatusServiceUnavailable:
		if isChallenge(body, hdr) {
			return session.OutcomeAntiBot
		}
		return session.OutcomeUpstream5xx
	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity:
		return session.OutcomeClientError
	case status >= 500:
		return session.OutcomeUpstream5xx
	default:
		return session.OutcomeRecoverable
	}
}

func isChallenge(body []byte, hdr http.Header) bool {
	if hdr != nil && strings.EqualFold(hdr.Get("cf-mitigated"), "challenge") {
		return true
	}
	return challengePattern.Match(body)
}

// ClassifyTransportError maps network-level failures. Connection resets
// count as upstream_5xx per the outcome table; refusals, TLS failures and
// timeouts are transport errors.
func ClassifyTransportError(err error) session.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return session.OutcomeTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return session.OutcomeTransport
	}
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return session.OutcomeUpstream5xx
	}
	return session.OutcomeTransport
}
