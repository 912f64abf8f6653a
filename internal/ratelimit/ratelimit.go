// Package ratelimit provides token bucket rate limiting middleware for the
// LLM gateway. Buckets are keyed by tenant when per-tenant limiting is
// enabled and a tenant is known, otherwise by client IP.
package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/llm-gateway/internal/apierror"
	"github.com/dskow/llm-gateway/internal/config"
	"github.com/dskow/llm-gateway/internal/metrics"
	"github.com/dskow/llm-gateway/internal/middleware"
)

const (
	// lastSeen is refreshed at most once per refreshInterval; buckets idle
	// longer than staleAfter are evicted.
	refreshInterval = time.Minute
	staleAfter      = 3 * time.Minute
)

// client is one token bucket. gen records the config generation the
// bucket was built under; lastSeen holds unix nanos.
type client struct {
	limiter  *rate.Limiter
	gen      int64
	lastSeen atomic.Int64
}

// clientKey keys buckets without fmt.Sprintf allocation. The tenant flag
// keeps a tenant named like an IP address from sharing that IP's bucket.
type clientKey struct {
	tenant bool
	id     string
}

// limitBits stores a rate.Limit atomically so hot reloads never stall the
// request path.
type limitBits struct{ bits atomic.Uint64 }

func (l *limitBits) Store(v rate.Limit) { l.bits.Store(math.Float64bits(float64(v))) }
func (l *limitBits) Load() rate.Limit   { return rate.Limit(math.Float64frombits(l.bits.Load())) }

// Limiter hands out per-client token buckets and evicts idle ones in the
// background. The request path is lock-free: buckets live in a sync.Map
// and the reloadable settings are atomics.
type Limiter struct {
	clients        sync.Map // clientKey -> *client
	rps            limitBits
	burst          atomic.Int64
	perTenant      atomic.Bool
	gen            atomic.Int64
	trustedProxies []netip.Prefix
	logger         *slog.Logger
	stopCh         chan struct{}
}

// New creates a Limiter and starts the background eviction loop.
// trustedProxies lists CIDRs (e.g. "10.0.0.0/8") whose X-Forwarded-For
// headers are honored.
func New(cfg config.RateLimitConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		trustedProxies: parsePrefixes(trustedProxies, logger),
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
	l.rps.Store(rate.Limit(cfg.RequestsPerSecond))
	l.burst.Store(int64(cfg.BurstSize))
	l.perTenant.Store(cfg.PerTenant)
	go l.evictLoop()
	return l
}

func parsePrefixes(cidrs []string, logger *slog.Logger) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes
}

// Stop terminates the background eviction goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// UpdateConfig applies reloaded settings. The generation bump invalidates
// buckets built under the old settings, so active clients pick up the new
// limits on their next request.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.rps.Store(rate.Limit(cfg.RequestsPerSecond))
	l.burst.Store(int64(cfg.BurstSize))
	l.perTenant.Store(cfg.PerTenant)
	l.gen.Add(1)
	l.clients.Clear()
}

// Middleware returns an HTTP middleware that enforces rate limits.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.keyFor(r)

			if !l.bucketFor(key).Allow() {
				l.logger.Warn("rate limit exceeded", "client", key.id, "per_tenant", key.tenant, "path", r.URL.Path)
				metrics.RateLimitHits.Inc()
				retryAfter := strconv.FormatFloat(1.0/float64(l.rps.Load()), 'f', 0, 64)
				w.Header().Set("Retry-After", retryAfter)
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// keyFor picks the bucket key. Tenant wins when per-tenant limiting is on
// and the tenant middleware resolved one; anonymous requests fall back to
// client IP.
func (l *Limiter) keyFor(r *http.Request) clientKey {
	if l.perTenant.Load() {
		if tenant := middleware.GetTenant(r.Context()); tenant != "" {
			return clientKey{tenant: true, id: tenant}
		}
	}
	return clientKey{id: l.clientIP(r)}
}

// bucketFor returns the bucket for key, creating it on first sight. A hit
// on a bucket from an older config generation deletes and recreates it.
func (l *Limiter) bucketFor(key clientKey) *rate.Limiter {
	gen := l.gen.Load()
	now := time.Now().UnixNano()

	for {
		if v, ok := l.clients.Load(key); ok {
			c := v.(*client)
			if c.gen == gen {
				if now-c.lastSeen.Load() > int64(refreshInterval) {
					c.lastSeen.Store(now)
				}
				return c.limiter
			}
			l.clients.CompareAndDelete(key, v)
			continue
		}

		c := &client{
			limiter: rate.NewLimiter(l.rps.Load(), int(l.burst.Load())),
			gen:     gen,
		}
		c.lastSeen.Store(now)
		prev, loaded := l.clients.LoadOrStore(key, c)
		if !loaded {
			return c.limiter
		}
		if pc := prev.(*client); pc.gen == gen {
			return pc.limiter
		}
		l.clients.CompareAndDelete(key, prev)
	}
}

// clientIP resolves the client address used for bucket keys.
// X-Forwarded-For is consulted only when the direct peer is a trusted
// proxy, walking right to left so clients cannot spoof their way past the
// proxy chain.
func (l *Limiter) clientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if len(l.trustedProxies) == 0 || !l.isTrusted(peer) {
		return peer
	}

	parts := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(parts) - 1; i >= 0; i-- {
		if ip := strings.TrimSpace(parts[i]); ip != "" && !l.isTrusted(ip) {
			return ip
		}
	}
	return peer
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range l.trustedProxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter).UnixNano()
			l.clients.Range(func(k, v any) bool {
				if v.(*client).lastSeen.Load() < cutoff {
					l.clients.Delete(k)
				}
				return true
			})
		case <-l.stopCh:
			return
		}
	}
}
