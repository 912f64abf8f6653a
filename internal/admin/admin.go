// Package admin exposes operator endpoints for a running gateway:
// breaker inspection, forced breaker resets, and the redacted active
// config. Every route sits behind an IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dskow/llm-gateway/internal/apierror"
	"github.com/dskow/llm-gateway/internal/config"
	"github.com/dskow/llm-gateway/internal/gateway"
)

// Handler serves the admin API.
type Handler struct {
	reloader  ConfigProvider
	registry  *gateway.Registry
	logger    *slog.Logger
	allowlist atomic.Pointer[[]netip.Prefix]
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates an admin Handler restricted to the given allowlist CIDRs.
// Config validation has already rejected malformed entries.
func New(reloader ConfigProvider, registry *gateway.Registry, allowlist []string, logger *slog.Logger) *Handler {
	h := &Handler{
		reloader: reloader,
		registry: registry,
		logger:   logger,
	}
	h.storeAllowlist(allowlist)
	return h
}

// UpdateAllowlist swaps in a new IP allowlist on config reload.
func (h *Handler) UpdateAllowlist(allowlist []string) {
	h.storeAllowlist(allowlist)
	h.logger.Info("admin allowlist updated", "entries", len(allowlist))
}

func (h *Handler) storeAllowlist(allowlist []string) {
	prefixes := make([]netip.Prefix, 0, len(allowlist))
	for _, cidr := range allowlist {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		prefixes = append(prefixes, p.Masked())
	}
	h.allowlist.Store(&prefixes)
}

// RegisterRoutes adds the admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/breakers", h.guard(http.MethodGet, h.breakersHandler))
	mux.HandleFunc("/admin/breakers/", h.guard(http.MethodPost, h.resetHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
}

// guard enforces the HTTP method and the IP allowlist before letting a
// request through to next.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
			return
		}

		addr, ok := peerAddr(r.RemoteAddr)
		if !ok || !h.allowlisted(addr) {
			h.logger.Warn("admin access denied", "peer", r.RemoteAddr, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AdminForbidden, "admin access restricted")
			return
		}
		next(w, r)
	}
}

func (h *Handler) allowlisted(addr netip.Addr) bool {
	for _, p := range *h.allowlist.Load() {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerAddr parses a RemoteAddr into a comparable address. Mapped IPv4
// addresses are unmapped so they match IPv4 allowlist entries.
func peerAddr(remoteAddr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	a, err := netip.ParseAddr(remoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

// breakerStatus is the response type for /admin/breakers.
type breakerStatus struct {
	Provider      string     `json:"provider"`
	State         string     `json:"state"`
	Failures      int        `json:"failures"`
	Successes     int        `json:"successes"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	ProbeInFlight bool       `json:"probe_in_flight"`
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	snaps := h.registry.Snapshots()
	statuses := make([]breakerStatus, len(snaps))
	for i, s := range snaps {
		st := breakerStatus{
			Provider:      s.Name,
			State:         s.State.String(),
			Failures:      s.Failures,
			Successes:     s.Successes,
			ProbeInFlight: s.ProbeInFlight,
		}
		if !s.OpenedAt.IsZero() {
			at := s.OpenedAt
			st.OpenedAt = &at
		}
		statuses[i] = st
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": statuses})
}

// resetHandler forces a breaker closed: POST /admin/breakers/{name}/reset.
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/breakers/")
	name, ok := strings.CutSuffix(rest, "/reset")
	if !ok || name == "" || strings.Contains(name, "/") {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}

	if !h.registry.Reset(name) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UnknownProvider, "unknown provider: "+name)
		return
	}

	h.logger.Info("breaker reset via admin API", "provider", name, "peer", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "reset",
		"provider": name,
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redact(h.reloader.Current()))
}

// redact copies cfg with its secrets masked. The providers slice is
// duplicated so masking never touches the live config.
func redact(cfg *config.Config) config.Config {
	out := *cfg
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "***"
	}
	out.Providers = slices.Clone(cfg.Providers)
	for i := range out.Providers {
		if out.Providers[i].APIKey != "" {
			out.Providers[i].APIKey = "***"
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
