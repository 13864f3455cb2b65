package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// idempotencyHeader is the header clients set to make a POST /v1/events
// call safely retryable, matching the teacher's X-Flux-Idempotency-Key
// convention (api.go's withIdempotency).
const idempotencyHeader = "X-Idempotency-Key"

// cachedResponse is what gets replayed for a repeated idempotency key.
type cachedResponse struct {
	StatusCode int         `json:"status_code"`
	Body       []byte      `json:"body"`
	Headers    http.Header `json:"headers"`
}

// IdempotencyCache stores a cachedResponse per idempotency key for a
// bounded TTL.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (*cachedResponse, bool)
	Set(ctx context.Context, key string, resp cachedResponse)
}

// RedisIdempotencyCache is grounded on the teacher's
// store.RedisStore/idempotency.Store pairing (control_plane/
// store/redis_idempotency.go, control_plane/idempotency) — one Redis
// key per idempotency key, JSON-encoded response body, fixed TTL.
type RedisIdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyCache builds a cache over an already-connected
// client. ttl defaults to 24 hours, matching the teacher's
// resultTTL constant.
func NewRedisIdempotencyCache(client *redis.Client, ttl time.Duration) *RedisIdempotencyCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyCache{client: client, ttl: ttl}
}

func idempotencyKey(key string) string {
	return "sentrygate:idempotency:" + key
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, key string) (*cachedResponse, bool) {
	data, err := c.client.Get(ctx, idempotencyKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var resp cachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, key string, resp cachedResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.client.Set(ctx, idempotencyKey(key), data, c.ttl)
}

// responseRecorder buffers a handler's response so it can be cached,
// adapted from the teacher's api.go responseRecorder.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a prior response for a repeated
// X-Idempotency-Key instead of re-running next, matching the teacher's
// api.go withIdempotency wrapper. No-op if no cache is configured.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.idem == nil {
			next(w, r)
			return
		}
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := s.idem.Get(r.Context(), key); found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		s.idem.Set(r.Context(), key, cachedResponse{
			StatusCode: rec.statusCode,
			Body:       rec.body.Bytes(),
			Headers:    rec.Header(),
		})
	}
}
