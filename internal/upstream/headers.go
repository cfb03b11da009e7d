package upstream

import (
	"math/rand"
	"net/http"
)

// fingerprintHeaders is the fixed browser header set required for anti-bot
// traversal. Values track a recent desktop Chrome.
var fingerprintHeaders = map[string]string{
	"accept":             "*/*",
	"accept-language":    "en-US,en;q=0.9",
	"cache-control":      "no-cache",
	"content-type":       "application/json",
	"origin":             "https://grok.com",
	"pragma":             "no-cache",
	"priority":           "u=1, i",
	"referer":            "https://grok.com/",
	"sec-ch-ua":          `"Chromium";v="131", "Not_A Brand";v="24", "Google Chrome";v="131"`,
	"sec-ch-ua-mobile":   "?0",
	"sec-ch-ua-platform": `"Windows"`,
	"sec-fetch-dest":     "empty",
	"sec-fetch-mode":     "cors",
	"sec-fetch-site":     "same-origin",
}

// SetBrowserHeaders applies the fingerprint set, one user agent from the
// rotation list, and the session cookie. The user agent is stable within
// one attempt.
func SetBrowserHeaders(h http.Header, userAgent, cookie string) {
	for k, v := range fingerprintHeaders {
		h.Set(k, v)
	}
	h.Set("User-Agent", userAgent)
	h.Set("Cookie", cookie)
}

// PickUserAgent selects uniformly at random from the rotation list.
func PickUserAgent(rotation []string) string {
	if len(rotation) == 0 {
		return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	}
	return rotation[rand.Intn(len(rotation))]
}
