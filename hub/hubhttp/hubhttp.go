// Package hubhttp exposes the hub over HTTP: the x402 capability document,
// the ticket lifecycle, payee and agent views, hub channel management,
// settlement, and admin webhook endpoints.
package hubhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/scpnetwork/scp-go/hub"
	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/sign"
	"github.com/scpnetwork/scp-go/webhook"
)

const maxBodyBytes = 1 << 20

// Config configures the HTTP surface.
type Config struct {
	Hub      *hub.Hub
	Webhooks *webhook.Manager

	// AdminToken guards webhook and event endpoints. When empty those
	// endpoints are disabled outright rather than left open.
	AdminToken string

	// PayeeAuthMaxSkew bounds clock drift on signed payee requests.
	// Zero means 300 seconds.
	PayeeAuthMaxSkew time.Duration

	// CORSOrigin is the allowed origin, * by default.
	CORSOrigin string

	// TrustProxy enables X-Forwarded-For for rate-limit bucketing. Leave
	// off unless a trusted reverse proxy sets it; otherwise clients can
	// spoof their way past the limits.
	TrustProxy bool

	RateLimit RateLimitConfig
	LogWriter io.Writer
}

type handler struct {
	hub     *hub.Hub
	hooks   *webhook.Manager
	admin   string
	skew    time.Duration
	trust   bool
	limiter *rateLimiter
	logW    io.Writer
}

// New builds the hub's HTTP handler.
func New(cfg Config) http.Handler {
	h := &handler{
		hub:     cfg.Hub,
		hooks:   cfg.Webhooks,
		admin:   cfg.AdminToken,
		skew:    cfg.PayeeAuthMaxSkew,
		trust:   cfg.TrustProxy,
		limiter: newRateLimiter(cfg.RateLimit),
		logW:    cfg.LogWriter,
	}
	if h.skew <= 0 {
		h.skew = 300 * time.Second
	}
	if h.logW == nil {
		h.logW = io.Discard
	}

	m := http.NewServeMux()
	m.HandleFunc("/.well-known/x402", h.handleInfo)
	m.HandleFunc("/v1/tickets/quote", h.handleQuote)
	m.HandleFunc("/v1/tickets/issue", h.handleIssue)
	m.HandleFunc("/v1/refunds", h.handleRefund)
	m.HandleFunc("/v1/payments/", h.handlePayment)
	m.HandleFunc("/v1/channels/", h.handleChannel)
	m.HandleFunc("/v1/agent/summary", h.handleAgentSummary)
	m.HandleFunc("/v1/agent/receipts", h.handleAgentReceipts)
	m.HandleFunc("/v1/payee/inbox", h.handlePayeeInbox)
	m.HandleFunc("/v1/payee/balance", h.handlePayeeBalance)
	m.HandleFunc("/v1/payee/receipts", h.handlePayeeReceipts)
	m.HandleFunc("/v1/payee/channel-state", h.handlePayeeChannelState)
	m.HandleFunc("/v1/payee/settle", h.handleSettle)
	m.HandleFunc("/v1/hub/open-payee-channel", h.handleOpenPayeeChannel)
	m.HandleFunc("/v1/hub/register-payee-channel", h.handleRegisterPayeeChannel)
	m.HandleFunc("/v1/webhooks", h.handleWebhooks)
	m.HandleFunc("/v1/webhooks/", h.handleWebhookByID)
	m.HandleFunc("/v1/events/emit", h.handleEmitEvent)
	m.HandleFunc("/v1/events", h.handleEvents)
	m.HandleFunc("/", h.handleNotFound)

	origin := cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{origin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			"Payment-Signature",
			"Authorization",
			"Idempotency-Key",
			"X-SCP-Access-Token",
			"X-SCP-Admin-Token",
			"X-SCP-Payee-Signature",
			"X-SCP-Payee-Timestamp",
		},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         86400,
	})
	return c.Handler(h.withRateLimit(m))
}

// withRateLimit applies per-route, per-client limits before routing.
func (h *handler) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if retryAfter, ok := h.limiter.allow(r.Method, r.URL.Path, h.clientIP(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, scp.NewError(scp.CodeRateLimited, http.StatusTooManyRequests, true, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) clientIP(r *http.Request) string {
	if h.trust {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readBody reads at most 1 MiB and returns the raw bytes for auth hashing.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, scp.NewError(scp.CodePolicyViolation, http.StatusRequestEntityTooLarge, false, "payload too large")
		}
		return nil, scp.ErrValidation("reading request body: %v", err)
	}
	return raw, nil
}

// decodeBody parses the raw body into dst; an empty body decodes as an
// empty object.
func decodeBody(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return scp.ErrValidation("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		// Headers are already out; nothing to do but note it.
		_ = err
	}
}

func writeError(w http.ResponseWriter, err error) {
	e := scp.AsError(err)
	writeJSON(w, e.HTTPStatus(), e)
}

// requireAdmin enforces the admin token. With no token configured the admin
// surface is disabled entirely; a token-less deployment must not accept
// webhook registrations from anyone.
func (h *handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.admin == "" {
		writeJSON(w, http.StatusForbidden, scp.NewError(scp.CodeUnauthorized, http.StatusForbidden, false,
			"admin endpoints disabled"))
		return false
	}
	token := r.Header.Get("X-SCP-Admin-Token")
	if token == "" {
		authz := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}
	if token == "" || token != h.admin {
		writeError(w, scp.ErrUnauthorized("admin auth required"))
		return false
	}
	return true
}

// requirePayeeAuth verifies the signed-request headers recover to the payee.
func (h *handler) requirePayeeAuth(w http.ResponseWriter, r *http.Request, payee string, rawBody []byte) bool {
	sig := r.Header.Get("X-SCP-Payee-Signature")
	if sig == "" {
		writeError(w, scp.ErrUnauthorized("missing x-scp-payee-signature"))
		return false
	}
	ts, err := strconv.ParseInt(r.Header.Get("X-SCP-Payee-Timestamp"), 10, 64)
	if err != nil {
		writeError(w, scp.ErrUnauthorized("invalid x-scp-payee-timestamp"))
		return false
	}
	drift := time.Now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > h.skew {
		writeError(w, scp.ErrUnauthorized("stale payee auth timestamp"))
		return false
	}
	var body any
	if len(rawBody) > 0 {
		body = json.RawMessage(rawBody)
	}
	recovered, err := sign.RecoverPayeeAuthSigner(sign.PayeeAuth{
		Method:    r.Method,
		Path:      r.URL.Path,
		Payee:     payee,
		Timestamp: ts,
		Body:      body,
	}, sig)
	if err != nil {
		writeError(w, scp.ErrUnauthorized("invalid payee auth signature"))
		return false
	}
	if !scp.SameAddress(recovered.Hex(), payee) {
		writeError(w, scp.ErrUnauthorized("payee signature mismatch"))
		return false
	}
	return true
}

func (h *handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, scp.ErrNotFound(scp.CodePolicyViolation, "route not found"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed,
		scp.NewError(scp.CodePolicyViolation, http.StatusMethodNotAllowed, false, "method not allowed"))
}

func queryInt(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func logf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
