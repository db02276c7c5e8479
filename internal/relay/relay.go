// Package relay serves the live-voice endpoint that sessions dial and
// forwards each connection to the upstream Gemini Live service.
//
// The relay keeps the API key on the server. Each accepted websocket gets its
// own upstream connection; messages are forwarded unchanged in both
// directions, except that the model in the client's setup message can be
// pinned by configuration. Upstream dials are guarded by a circuit breaker so
// an unreachable service fails fast instead of piling up dial timeouts.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/internal/resilience"
	"github.com/MrWong99/livebridge/pkg/live/transport"
)

const (
	rpcPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultReadLimit = 16 << 20
)

// Session outcomes recorded on the relay sessions metric.
const (
	statusAccepted         = "accepted"
	statusRejectedCapacity = "rejected_capacity"
	statusRejectedOrigin   = "rejected_origin"
	statusBreakerOpen      = "breaker_open"
	statusUpstreamFailed   = "upstream_failed"
	statusHandshakeFailed  = "handshake_failed"
)

// Config configures a [Relay].
type Config struct {
	// BaseURL is the upstream websocket base. Defaults to
	// [config.DefaultUpstreamBaseURL].
	BaseURL string

	// APIKey is appended to the upstream URL.
	APIKey string

	// Model, when set, replaces the model in the client's setup message.
	Model string

	// DialTimeout bounds each upstream dial. Defaults to
	// [config.DefaultDialTimeout].
	DialTimeout time.Duration

	// MaxSessions caps concurrent relayed connections. Zero means unlimited.
	MaxSessions int

	// AllowedOrigins are host patterns (path.Match syntax) accepted in the
	// Origin header besides the request's own host.
	AllowedOrigins []string

	// ReadLimit caps a single message in either direction. Defaults to 16 MiB.
	ReadLimit int64
}

// ConfigFrom converts the upstream section of the application config.
func ConfigFrom(c config.UpstreamConfig) Config {
	return Config{
		BaseURL:        c.BaseURL,
		APIKey:         c.APIKey,
		Model:          c.Model,
		DialTimeout:    c.DialTimeout,
		MaxSessions:    c.MaxSessions,
		AllowedOrigins: append([]string(nil), c.AllowedOrigins...),
	}
}

// Option is a functional option for configuring a Relay.
type Option func(*Relay)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithBreaker replaces the upstream circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Relay) { r.breaker = cb }
}

// WithHTTPClient sets the client used for upstream dials.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.httpClient = c }
}

// Relay is an [http.Handler] for the live endpoint.
type Relay struct {
	mu  sync.RWMutex
	cfg Config

	metrics    *observe.Metrics
	breaker    *resilience.CircuitBreaker
	httpClient *http.Client

	active atomic.Int64
}

// New creates a Relay.
func New(cfg Config, opts ...Option) *Relay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultUpstreamBaseURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = config.DefaultDialTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	r := &Relay{cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "upstream"})
	}
	return r
}

// Register mounts the relay on mux at [transport.LivePath].
func (r *Relay) Register(mux *http.ServeMux) {
	mux.Handle("GET "+transport.LivePath, r)
}

// Active returns the number of connections currently relayed.
func (r *Relay) Active() int64 {
	return r.active.Load()
}

// Ready reports an error while the relay cannot serve sessions: no API key is
// configured or the upstream circuit is open.
func (r *Relay) Ready(context.Context) error {
	cfg := r.config()
	if cfg.APIKey == "" {
		return errors.New("relay: no upstream API key configured")
	}
	if st := r.breaker.State(); st == resilience.StateOpen {
		return fmt.Errorf("relay: upstream circuit %s", st)
	}
	return nil
}

// HasCapacity reports an error while every session slot is taken.
func (r *Relay) HasCapacity(context.Context) error {
	limit := r.config().MaxSessions
	if n := r.active.Load(); limit > 0 && n >= int64(limit) {
		return fmt.Errorf("relay: %d of %d sessions in use", n, limit)
	}
	return nil
}

// Update applies the settings that can change without a restart: Model,
// MaxSessions, and AllowedOrigins. Connections already relayed are not
// affected.
func (r *Relay) Update(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Model = cfg.Model
	r.cfg.MaxSessions = cfg.MaxSessions
	r.cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	slog.Info("relay: configuration updated",
		"model", cfg.Model,
		"max_sessions", cfg.MaxSessions,
		"allowed_origins", cfg.AllowedOrigins,
	)
}

func (r *Relay) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// ServeHTTP upgrades the request and relays it until either side closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	cfg := r.config()
	id := uuid.NewString()
	ctx, span := observe.StartSpan(req.Context(), "relay.session",
		trace.WithAttributes(attribute.String("session.id", id)),
	)
	defer span.End()
	log := observe.SessionLogger(ctx, "relay", id)

	reject := func(status string, code int, msg string) {
		span.SetAttributes(attribute.String("relay.status", status))
		r.metrics.RecordRelaySession(ctx, status)
		http.Error(w, msg, code)
	}

	if !originAllowed(req, cfg.AllowedOrigins) {
		log.Warn("rejecting cross-origin request", "origin", req.Header.Get("Origin"))
		reject(statusRejectedOrigin, http.StatusForbidden, "origin not allowed")
		return
	}
	if !r.acquire(cfg.MaxSessions) {
		log.Warn("rejecting session: at capacity", "max_sessions", cfg.MaxSessions)
		reject(statusRejectedCapacity, http.StatusServiceUnavailable, "too many sessions")
		return
	}
	defer r.active.Add(-1)

	done, err := r.breaker.Allow()
	if err != nil {
		reject(statusBreakerOpen, http.StatusServiceUnavailable, "upstream unavailable")
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	up, _, err := websocket.Dial(dialCtx, upstreamURL(cfg), &websocket.DialOptions{
		HTTPClient: r.httpClient,
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	cancel()
	done(err)
	if err != nil {
		log.Warn("upstream dial failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream dial failed")
		reject(statusUpstreamFailed, http.StatusBadGateway, "upstream dial failed")
		return
	}

	client, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: cfg.AllowedOrigins,
	})
	if err != nil {
		log.Warn("websocket handshake failed", "err", err)
		up.Close(websocket.StatusGoingAway, "client handshake failed")
		r.metrics.RecordRelaySession(ctx, statusHandshakeFailed)
		return
	}
	client.SetReadLimit(cfg.ReadLimit)
	up.SetReadLimit(cfg.ReadLimit)

	r.metrics.RecordRelaySession(ctx, statusAccepted)
	r.metrics.RelayActive.Add(ctx, 1)
	defer r.metrics.RelayActive.Add(context.Background(), -1)

	start := time.Now()
	log.Info("relay session started")
	err = r.pipe(ctx, client, up, cfg.Model, log)
	if err != nil {
		span.RecordError(err)
		log.Info("relay session ended", "duration", time.Since(start), "err", err)
		return
	}
	log.Info("relay session ended", "duration", time.Since(start))
}

// acquire reserves a session slot.
func (r *Relay) acquire(limit int) bool {
	n := r.active.Add(1)
	if limit > 0 && n > int64(limit) {
		r.active.Add(-1)
		return false
	}
	return true
}

// pipe forwards messages in both directions until one side ends, then closes
// the other with the same status. It returns nil for normal closures.
func (r *Relay) pipe(ctx context.Context, client, up *websocket.Conn, model string, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.forward(gctx, client, up, "upstream", model, log)
	})
	g.Go(func() error {
		return r.forward(gctx, up, client, "downstream", "", log)
	})
	err := g.Wait()
	if isNormalClose(err) {
		return nil
	}
	return err
}

// forward copies messages from src to dst, preserving message type. When
// model is set, the first message is treated as the setup message and its
// model is replaced.
func (r *Relay) forward(ctx context.Context, src, dst *websocket.Conn, direction, model string, log *slog.Logger) error {
	first := true
	for {
		typ, msg, err := src.Read(ctx)
		if err != nil {
			code, reason := closeStatus(err)
			dst.Close(code, reason)
			return err
		}
		if first && model != "" && typ == websocket.MessageText {
			if out, changed, rerr := transport.RewriteSetupModel(msg, model); rerr != nil {
				log.Debug("relay: setup not rewritten", "err", rerr)
			} else if changed {
				msg = out
			}
		}
		first = false
		if err := dst.Write(ctx, typ, msg); err != nil {
			src.Close(websocket.StatusGoingAway, "peer write failed")
			return fmt.Errorf("relay: write %s: %w", direction, err)
		}
		r.metrics.RecordRelayMessage(ctx, direction)
	}
}

// closeStatus picks the status to forward when a peer goes away. Reserved
// codes that must not appear on the wire become GoingAway.
func closeStatus(err error) (websocket.StatusCode, string) {
	switch code := websocket.CloseStatus(err); code {
	case -1, websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		return websocket.StatusGoingAway, "peer went away"
	default:
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return code, ce.Reason
		}
		return code, ""
	}
}

func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func upstreamURL(cfg Config) string {
	return strings.TrimRight(cfg.BaseURL, "/") + rpcPath + "?key=" + url.QueryEscape(cfg.APIKey)
}

// originAllowed accepts requests without an Origin header, same-host
// requests, and origins whose host matches one of patterns.
func originAllowed(req *http.Request, patterns []string) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, req.Host) {
		return true
	}
	host := strings.ToLower(u.Host)
	for _, p := range patterns {
		if ok, err := path.Match(strings.ToLower(p), host); err == nil && ok {
			return true
		}
	}
	return false
}
