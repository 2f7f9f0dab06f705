package bridge

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/tradeworks/softphone/call"
)

// Webhook receives provider status callbacks over HTTP as a redundant
// path next to the database channel: when the backend cannot publish a
// row change, the provider still posts the status here. Requests are
// form-encoded in the provider's vocabulary.
type Webhook struct {
	deliver func(call.Event)
	logger  *slog.Logger
	limiter *ipRateLimiter
}

// NewWebhook creates the webhook receiver. deliver receives translated
// events; it must not block.
func NewWebhook(deliver func(call.Event), logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		deliver: deliver,
		logger:  logger.With("subsystem", "status-webhook"),
		limiter: newIPRateLimiter(rate.Limit(5), 20),
	}
}

// Routes mounts the webhook endpoints on a chi router.
func (wh *Webhook) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(wh.rateLimit)
	r.Post("/voice-status", wh.handleVoiceStatus)
	return r
}

// handleVoiceStatus translates one provider status callback. The
// provider retries on non-2xx, so malformed payloads are answered 204
// after logging rather than bounced forever.
func (wh *Webhook) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		wh.logger.Warn("malformed status callback", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rc := RowChange{
		CallSID:    r.PostFormValue("CallSid"),
		Status:     r.PostFormValue("CallStatus"),
		Direction:  normalizeDirection(r.PostFormValue("Direction")),
		FromNumber: r.PostFormValue("From"),
		ToNumber:   r.PostFormValue("To"),
	}

	if rc.CallSID == "" || rc.Status == "" {
		wh.logger.Warn("status callback missing identifiers")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ev, ok := translate(rc)
	if !ok {
		wh.logger.Debug("ignoring provider status",
			"call_sid", rc.CallSID,
			"status", rc.Status,
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	wh.logger.Debug("provider status callback",
		"call_sid", rc.CallSID,
		"status", rc.Status,
	)
	wh.deliver(ev)
	w.WriteHeader(http.StatusNoContent)
}

// normalizeDirection maps the provider's direction values onto the
// call-log vocabulary.
func normalizeDirection(d string) string {
	switch d {
	case "inbound":
		return "inbound"
	case "outbound-api", "outbound-dial", "outbound":
		return "outbound"
	}
	return d
}

// rateLimit rejects callers that exceed the per-IP rate.
func (wh *Webhook) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !wh.limiter.allow(host) {
			wh.logger.Warn("status callback rate limit exceeded", "remote", host)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipRateLimiter tracks a token bucket per remote address. Stale entries
// are evicted opportunistically on each allow call.
type ipRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipRateEntry
	limit   rate.Limit
	burst   int
	maxAge  time.Duration
}

type ipRateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		entries: make(map[string]*ipRateEntry),
		limit:   limit,
		burst:   burst,
		maxAge:  10 * time.Minute,
	}
}

func (rl *ipRateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.entries[key]
	if !ok {
		if len(rl.entries) > 1000 {
			cutoff := now.Add(-rl.maxAge)
			for k, e := range rl.entries {
				if e.lastSeen.Before(cutoff) {
					delete(rl.entries, k)
				}
			}
		}
		entry = &ipRateEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter.Allow()
}
