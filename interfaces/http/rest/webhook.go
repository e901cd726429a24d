package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"weaver/internal/query"
	"weaver/internal/storage"
	"weaver/pkg/api"
	"weaver/pkg/observability"
)

const (
	signatureHeader   = "X-Signature"
	idempotencyHeader = "X-Idempotency-Key"
)

// cachedResponse is a recorded response replayed for duplicate
// idempotency keys.
type cachedResponse struct {
	Status    int
	Body      []byte
	ExpiresAt time.Time
}

// IdempotencyCache stores first responses keyed by (endpoint, key).
// A background sweeper evicts expired entries. Per-key latches
// serialize concurrent deliveries of the same key, so exactly one
// executes the handler and the rest replay its response.
type IdempotencyCache struct {
	mu       sync.Mutex
	entries  map[string]*cachedResponse
	inflight map[string]*keyLatch
	stop     chan struct{}
	once     sync.Once
}

type keyLatch struct {
	mu   sync.Mutex
	refs int
}

func NewIdempotencyCache() *IdempotencyCache {
	c := &IdempotencyCache{
		entries:  make(map[string]*cachedResponse),
		inflight: make(map[string]*keyLatch),
		stop:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Acquire blocks until the caller holds the latch for (endpoint, key)
// and returns the release func.
func (c *IdempotencyCache) Acquire(endpoint, key string) func() {
	k := cacheKey(endpoint, key)
	c.mu.Lock()
	l := c.inflight[k]
	if l == nil {
		l = &keyLatch{}
		c.inflight[k] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.inflight, k)
		}
		c.mu.Unlock()
	}
}

func cacheKey(endpoint, key string) string { return endpoint + "\x00" + key }

func (c *IdempotencyCache) Get(endpoint, key string) (*cachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(endpoint, key)]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

func (c *IdempotencyCache) Put(endpoint, key string, status int, body []byte, ttl time.Duration) {
	c.mu.Lock()
	c.entries[cacheKey(endpoint, key)] = &cachedResponse{
		Status:    status,
		Body:      body,
		ExpiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
}

func (c *IdempotencyCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *IdempotencyCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, entry := range c.entries {
				if now.After(entry.ExpiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// WebhookGate wraps webhook endpoints with HMAC verification,
// idempotent replay and optional async execution. Raw deliveries are
// recorded to the webhook_event collection.
type WebhookGate struct {
	Store           storage.Store
	Cache           *IdempotencyCache
	Metrics         *observability.Collector
	Log             *zap.Logger
	GlobalSecret    string
	MaxPayloadBytes int64
	DefaultTTL      time.Duration
}

// Wrap applies the webhook protocol around the endpoint's handler.
func (g *WebhookGate) Wrap(ep *Endpoint, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := g.MaxPayloadBytes
		if limit <= 0 {
			limit = 1 << 20
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			api.BadRequest(w, "unreadable request body")
			return
		}
		if int64(len(body)) > limit {
			api.Fail(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "payload too large", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		secret := ep.HMACSecret
		if secret == "" {
			secret = g.GlobalSecret
		}
		if secret != "" {
			if !verifySignature(secret, body, r.Header.Get(signatureHeader)) {
				g.observe(ep, "rejected")
				g.recordEvent(r.Context(), ep, body, "rejected")
				api.Unauthorized(w, "invalid webhook signature")
				return
			}
		}

		ttl := ep.IdempotencyTTL
		if ttl <= 0 {
			ttl = g.DefaultTTL
		}
		idemKey := r.Header.Get(idempotencyHeader)
		if idemKey != "" {
			// Hold the key's latch for the rest of the request so a
			// concurrent duplicate waits and then replays instead of
			// executing the handler a second time.
			release := g.Cache.Acquire(ep.Path, idemKey)
			defer release()
			if cached, ok := g.lookupIdempotent(r.Context(), ep, idemKey); ok {
				// Replayed verbatim even when the duplicate body differs.
				if g.Metrics != nil {
					g.Metrics.IdempotencyReplays.Inc()
				}
				g.observe(ep, "replayed")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}
		}

		g.recordEvent(r.Context(), ep, body, "accepted")

		if ep.Async {
			// Detach from the request context; the response goes out
			// before the handler runs.
			bg := r.Clone(context.WithoutCancel(r.Context()))
			bg.Body = io.NopCloser(bytes.NewReader(body))
			go func() {
				defer func() {
					if rec := recover(); rec != nil {
						g.Log.Error("async webhook panic", zap.String("path", ep.Path), zap.Any("panic", rec))
					}
				}()
				rec := &recordingWriter{header: http.Header{}, status: http.StatusOK}
				handler.ServeHTTP(rec, bg)
				if rec.status >= 400 {
					g.Log.Warn("async webhook failed",
						zap.String("path", ep.Path),
						zap.Int("status", rec.status),
					)
					g.observe(ep, "failed")
				} else {
					g.observe(ep, "delivered")
				}
			}()
			accepted := []byte(`{"status":"accepted"}` + "\n")
			if idemKey != "" {
				g.storeIdempotent(r.Context(), ep, idemKey, http.StatusAccepted, accepted, ttl)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			w.Write(accepted)
			return
		}

		rec := &recordingWriter{header: http.Header{}, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		if idemKey != "" {
			g.storeIdempotent(r.Context(), ep, idemKey, rec.status, rec.body.Bytes(), ttl)
		}
		g.observe(ep, "delivered")
		copyHeader(w.Header(), rec.header)
		w.WriteHeader(rec.status)
		w.Write(rec.body.Bytes())
	})
}

// lookupIdempotent checks the memory cache first, then the
// webhook_idempotency collection, so replays survive restarts.
// Expired store records are removed on the way.
func (g *WebhookGate) lookupIdempotent(ctx context.Context, ep *Endpoint, key string) (*cachedResponse, bool) {
	if cached, ok := g.Cache.Get(ep.Path, key); ok {
		return cached, true
	}
	if g.Store == nil {
		return nil, false
	}
	q := query.Query{"endpoint": ep.Path, "key": key}
	doc, err := g.Store.FindOne(ctx, storage.CollectionIdempotency, q)
	if err != nil || doc == nil {
		return nil, false
	}
	expiresAt, perr := time.Parse(time.RFC3339Nano, docField(doc, "expires_at"))
	if perr != nil || !expiresAt.After(time.Now()) {
		if _, derr := g.Store.DeleteMany(ctx, storage.CollectionIdempotency, q); derr != nil {
			g.Log.Warn("evict idempotency record", zap.String("path", ep.Path), zap.Error(derr))
		}
		return nil, false
	}
	status := http.StatusOK
	if f, ok := doc["status"].(float64); ok {
		status = int(f)
	}
	cached := &cachedResponse{
		Status:    status,
		Body:      []byte(docField(doc, "body")),
		ExpiresAt: expiresAt,
	}
	g.Cache.Put(ep.Path, key, cached.Status, cached.Body, time.Until(expiresAt))
	return cached, true
}

// storeIdempotent records a first response in both the memory cache
// and the store. Persistence failures only log; the cache still
// answers replays for this process.
func (g *WebhookGate) storeIdempotent(ctx context.Context, ep *Endpoint, key string, status int, body []byte, ttl time.Duration) {
	g.Cache.Put(ep.Path, key, status, body, ttl)
	if g.Store == nil {
		return
	}
	doc := storage.Document{
		"id":         uuid.NewString(),
		"endpoint":   ep.Path,
		"key":        key,
		"status":     float64(status),
		"body":       string(body),
		"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339Nano),
	}
	if _, err := g.Store.Save(ctx, storage.CollectionIdempotency, doc); err != nil {
		g.Log.Warn("persist idempotency record", zap.String("path", ep.Path), zap.Error(err))
	}
}

func docField(doc storage.Document, field string) string {
	s, _ := doc[field].(string)
	return s
}

func (g *WebhookGate) observe(ep *Endpoint, outcome string) {
	if g.Metrics != nil {
		g.Metrics.WebhookDeliveries.WithLabelValues(ep.Path, outcome).Inc()
	}
}

// recordEvent persists the raw delivery for audit. Failures only log.
func (g *WebhookGate) recordEvent(ctx context.Context, ep *Endpoint, body []byte, outcome string) {
	if g.Store == nil {
		return
	}
	doc := storage.Document{
		"id":          uuid.NewString(),
		"endpoint":    ep.Path,
		"outcome":     outcome,
		"payload":     string(body),
		"received_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := g.Store.Save(ctx, storage.CollectionWebhookEvt, doc); err != nil {
		g.Log.Warn("record webhook event", zap.String("path", ep.Path), zap.Error(err))
	}
}

// verifySignature checks an HMAC-SHA256 hex signature over the raw
// body. Comparison is constant time. A "sha256=" prefix is accepted.
func verifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// SignPayload produces the signature senders must attach. Exported for
// tests and client tooling.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type recordingWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (w *recordingWriter) Header() http.Header { return w.header }

func (w *recordingWriter) Write(b []byte) (int, error) { return w.body.Write(b) }

func (w *recordingWriter) WriteHeader(status int) { w.status = status }

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
