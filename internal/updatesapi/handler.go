// Package updatesapi exposes the two HTTP surfaces of the update server:
// the client-facing manifest endpoint and the publisher-facing update
// submission endpoint.
package updatesapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/overair/overair/internal/manifest"
	"github.com/overair/overair/internal/publish"
	"github.com/overair/overair/internal/signing"
	"github.com/overair/overair/internal/update"
)

var ErrInvalidConfig = errors.New("updatesapi: invalid config")

type Config struct {
	Store     update.Store
	Publisher *publish.Service
	Manifests *manifest.Builder

	// Signer may be nil; a client requesting a signature then gets a 400.
	Signer *signing.Signer

	// APIKey guards the publish endpoint.
	APIKey string

	Logger *slog.Logger

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: missing store", ErrInvalidConfig)
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("%w: missing publisher", ErrInvalidConfig)
	}
	if cfg.Manifests == nil {
		return nil, fmt.Errorf("%w: missing manifest builder", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg: cfg,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /api/manifest", h.handleManifest)
	mux.HandleFunc("POST /api/update", h.handleUpdate)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// manifestRequest carries the protocol selectors after validation.
type manifestRequest struct {
	protocolVersion  int
	platform         update.Platform
	runtimeVersion   string
	currentUpdateID  string
	embeddedUpdateID string
	expectSignature  bool
}

func (h *handler) handleManifest(w http.ResponseWriter, r *http.Request) {
	req, errMsg := parseManifestRequest(r)
	if errMsg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": errMsg})
		return
	}

	u, assets, err := h.cfg.Store.LatestPublished(r.Context(), req.runtimeVersion)
	if err != nil {
		if errors.Is(err, update.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": "Unsupported runtime version " + req.runtimeVersion,
			})
			return
		}
		h.cfg.Logger.Error("select update", "runtime_version", req.runtimeVersion, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}

	h.serveSelected(w, req, u, assets)
}

// serveSelected dispatches on update type and protocol version and writes
// exactly one of the three response bodies: manifest, rollback directive,
// or no-update directive.
func (h *handler) serveSelected(w http.ResponseWriter, req manifestRequest, u update.Update, assets []update.Asset) {
	switch u.Type {
	case update.TypeNormal:
		// The no-update short-circuit only exists on protocol 1; protocol 0
		// clients always receive the full manifest.
		if req.protocolVersion == 1 && req.currentUpdateID == u.UpdateID {
			h.serveDirective(w, req, manifest.NoUpdate())
			return
		}
		h.serveManifest(w, req, u, assets)

	case update.TypeRollback:
		if req.protocolVersion == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "Rollbacks not supported on protocol version 0",
			})
			return
		}
		if req.embeddedUpdateID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "Invalid expo-embedded-update-id request header specified.",
			})
			return
		}
		if req.currentUpdateID == req.embeddedUpdateID {
			h.serveDirective(w, req, manifest.NoUpdate())
			return
		}
		d, err := manifest.Rollback(u)
		if err != nil {
			h.cfg.Logger.Error("build rollback directive", "update_id", u.UpdateID, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
			return
		}
		h.serveDirective(w, req, d)

	default:
		h.cfg.Logger.Error("unknown update type", "update_id", u.UpdateID, "type", string(u.Type))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func (h *handler) serveManifest(w http.ResponseWriter, req manifestRequest, u update.Update, assets []update.Asset) {
	m, err := h.cfg.Manifests.Build(u, assets, req.platform)
	if err != nil {
		h.cfg.Logger.Error("build manifest", "update_id", u.UpdateID, "platform", string(req.platform), "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	body, err := json.Marshal(m)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	extensions, err := json.Marshal(manifest.Extensions(m))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}

	signature, ok := h.signBody(w, req, body)
	if !ok {
		return
	}

	packed, err := manifest.Pack(manifest.PartManifest, body, signature, extensions)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	writeMultipart(w, req.protocolVersion, packed)
}

func (h *handler) serveDirective(w http.ResponseWriter, req manifestRequest, d manifest.Directive) {
	body, err := json.Marshal(d)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}

	signature, ok := h.signBody(w, req, body)
	if !ok {
		return
	}

	packed, err := manifest.Pack(manifest.PartDirective, body, signature, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	// Directives only exist on protocol 1.
	writeMultipart(w, 1, packed)
}

// signBody returns the serialized signature dictionary when the client
// asked for one. Requesting a signature from a server started without a
// key is a caller-visible configuration error, not a silent skip.
func (h *handler) signBody(w http.ResponseWriter, req manifestRequest, body []byte) (string, bool) {
	if !req.expectSignature {
		return "", true
	}
	signature, err := h.cfg.Signer.Sign(body)
	if err != nil {
		if errors.Is(err, signing.ErrNoKey) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "Code signing requested but no key supplied when starting server.",
			})
			return "", false
		}
		h.cfg.Logger.Error("sign response body", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return "", false
	}
	return signature, true
}

func writeMultipart(w http.ResponseWriter, protocolVersion int, packed manifest.Packed) {
	w.Header().Set("expo-protocol-version", strconv.Itoa(protocolVersion))
	w.Header().Set("expo-sfv-version", "0")
	w.Header().Set("cache-control", "private, max-age=0")
	w.Header().Set("content-type", packed.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(packed.Body)
}

func parseManifestRequest(r *http.Request) (manifestRequest, string) {
	var req manifestRequest

	pvValues := r.Header.Values("expo-protocol-version")
	if len(pvValues) > 1 {
		return req, "Unsupported protocol version. Expected either 0 or 1."
	}
	req.protocolVersion = 0
	if len(pvValues) == 1 {
		pv, err := strconv.Atoi(strings.TrimSpace(pvValues[0]))
		if err != nil || (pv != 0 && pv != 1) {
			return req, "Unsupported protocol version. Expected either 0 or 1."
		}
		req.protocolVersion = pv
	}

	platformStr := r.Header.Get("expo-platform")
	if platformStr == "" {
		platformStr = r.URL.Query().Get("platform")
	}
	platform, ok := update.ParsePlatform(platformStr)
	if !ok {
		return req, "Unsupported platform. Expected either ios or android."
	}
	req.platform = platform

	req.runtimeVersion = r.Header.Get("expo-runtime-version")
	if req.runtimeVersion == "" {
		req.runtimeVersion = r.URL.Query().Get("runtime-version")
	}
	if req.runtimeVersion == "" {
		return req, "No runtimeVersion provided."
	}

	req.currentUpdateID = r.Header.Get("expo-current-update-id")
	req.embeddedUpdateID = r.Header.Get("expo-embedded-update-id")
	req.expectSignature = r.Header.Get("expo-expect-signature") != ""
	return req, ""
}

func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("api-key") != h.cfg.APIKey {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "Api key missing or wrong.",
		})
		return
	}

	body, ok := decodeJSONBody[publish.SubmitRequest](w, r)
	if !ok {
		return
	}

	res, err := h.cfg.Publisher.Submit(r.Context(), body)
	if err != nil {
		if errors.Is(err, publish.ErrInvalidSubmission) || errors.Is(err, publish.ErrMissingHash) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		h.cfg.Logger.Error("submit update", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_json",
		})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
