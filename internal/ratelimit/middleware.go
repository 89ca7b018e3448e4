package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewStore returns a Redis backed limiter store shared by every API replica,
// or a process-local one when client is nil.
func NewStore(client redis.UniversalClient, prefix string) (limiter.Store, error) {
	opts := limiter.StoreOptions{Prefix: strings.TrimSuffix(prefix, ":") + ":ratelimit", MaxRetry: 3}
	if client == nil {
		return memory.NewStoreWithOptions(opts), nil
	}
	return limiterredis.NewStoreWithOptions(client, opts)
}

// New parses a formatted rate such as "300-M" and builds a limiter on store.
// An empty rate disables limiting and returns nil.
func New(rate string, store limiter.Store) (*limiter.Limiter, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return nil, nil
	}
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse %q: %w", rate, err)
	}
	return limiter.New(store, parsed), nil
}

// Handler enforces a rate limit before delegating to the next handler.
// Store failures let the request through.
type Handler struct {
	Limiter *limiter.Limiter
	Key     func(*http.Request) string
	OnError func(error)
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := h.key(r)
		lctx, err := h.Limiter.Get(context.WithoutCancel(r.Context()), key)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			retryAfter := time.Until(time.Unix(lctx.Reset, 0)).Seconds()
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.Itoa(int(retryAfter)))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h Handler) key(r *http.Request) string {
	if h.Key != nil {
		return h.Key(r)
	}
	return h.Limiter.GetIPKey(r)
}
