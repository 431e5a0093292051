package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/time/rate"
)

// requestIDHeader is echoed back on every response; a value is generated
// when the client supplies none.
const requestIDHeader = "X-Request-ID"

// requestID propagates or generates the request id and attaches it to the
// request's log context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := log.With(r.Context(), log.KV{K: "request_id", V: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimiter applies a per-IP token bucket: capacity requests per window,
// refilling continuously. Buckets live in memory for the process lifetime.
type rateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	limit    rate.Limit
	capacity int
}

func newRateLimiter(capacity, windowSeconds int) *rateLimiter {
	return &rateLimiter{
		buckets:  make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(capacity) / float64(windowSeconds)),
		capacity: capacity,
	}
}

func (rl *rateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.capacity)
		rl.buckets[ip] = b
	}
	return b
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := rl.bucket(clientIP(r))
		res := b.ReserveN(time.Now(), 1)
		if !res.OK() {
			respondError(r.Context(), w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
			return
		}
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			retryAfter := int(delay.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(r.Context(), w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
