package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/internal/relay"
	"github.com/MrWong99/livebridge/internal/resilience"
	"github.com/MrWong99/livebridge/pkg/live/transport"
)

const testTimeout = 5 * time.Second

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// upstream is a fake live service. It records the request URL and every
// message it receives, and sends each message in replies once the first
// message arrives.
type upstream struct {
	srv      *httptest.Server
	mu       sync.Mutex
	urls     []string
	received [][]byte
	got      chan []byte
	closed   chan websocket.StatusCode
	replies  [][]byte
}

func newUpstream(t *testing.T, replies ...[]byte) *upstream {
	t.Helper()
	u := &upstream{
		got:     make(chan []byte, 16),
		closed:  make(chan websocket.StatusCode, 4),
		replies: replies,
	}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.urls = append(u.urls, r.URL.String())
		u.mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		first := true
		for {
			_, msg, err := conn.Read(r.Context())
			if err != nil {
				u.closed <- websocket.CloseStatus(err)
				return
			}
			u.mu.Lock()
			u.received = append(u.received, msg)
			u.mu.Unlock()
			u.got <- msg
			if first {
				first = false
				for _, reply := range u.replies {
					if err := conn.Write(r.Context(), websocket.MessageText, reply); err != nil {
						return
					}
				}
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) URLs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.urls...)
}

func (u *upstream) waitMessage(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-u.got:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for upstream message")
		return nil
	}
}

func newMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func sessionsByStatus(t *testing.T, reader *sdkmetric.ManualReader, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "livebridge.relay.sessions" {
				continue
			}
			sum := m.Data.(metricdata.Sum[int64])
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("status"); ok && v.AsString() == status {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// startRelay serves r on a test server and returns its live endpoint URL.
func startRelay(t *testing.T, r *relay.Relay) string {
	t.Helper()
	mux := http.NewServeMux()
	r.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return wsURL(srv) + transport.LivePath
}

func dial(t *testing.T, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if conn != nil {
		t.Cleanup(func() { conn.CloseNow() })
	}
	return conn, resp, err
}

func waitActive(t *testing.T, r *relay.Relay, want int64) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for r.Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Active() = %d, want %d", r.Active(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestRelay_ForwardsBothWays(t *testing.T) {
	t.Parallel()
	reply := []byte(`{"setupComplete":{}}`)
	up := newUpstream(t, reply)
	m, reader := newMetrics(t)
	r := relay.New(relay.Config{BaseURL: wsURL(up.srv), APIKey: "secret key"}, relay.WithMetrics(m))
	url := startRelay(t, r)

	conn, _, err := dial(t, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	setup, err := transport.MarshalSetup(transport.Setup{Model: "models/client-choice"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, setup); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := up.waitMessage(t); string(got) != string(setup) {
		t.Errorf("upstream got %s, want unchanged setup", got)
	}
	typ, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || string(msg) != string(reply) {
		t.Errorf("client got %v %s, want text %s", typ, msg, reply)
	}

	urls := up.URLs()
	if len(urls) != 1 {
		t.Fatalf("upstream dials = %d, want 1", len(urls))
	}
	if !strings.HasPrefix(urls[0], "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?") {
		t.Errorf("upstream path = %q", urls[0])
	}
	if !strings.Contains(urls[0], "key=secret+key") {
		t.Errorf("upstream URL %q missing escaped key", urls[0])
	}
	if got := sessionsByStatus(t, reader, "accepted"); got != 1 {
		t.Errorf("accepted sessions = %d, want 1", got)
	}
}

func TestRelay_PinsModel(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	r := relay.New(relay.Config{BaseURL: wsURL(up.srv), APIKey: "k", Model: "models/pinned"})
	url := startRelay(t, r)

	conn, _, err := dial(t, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	setup, _ := transport.MarshalSetup(transport.Setup{Model: "models/client-choice", SystemInstruction: "hi"})
	audioMsg, _ := transport.AudioMessage("AAA=")
	_ = conn.Write(ctx, websocket.MessageText, setup)
	_ = conn.Write(ctx, websocket.MessageText, audioMsg)

	var got struct {
		Setup struct {
			Model             string `json:"model"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"system_instruction"`
		} `json:"setup"`
	}
	if err := json.Unmarshal(up.waitMessage(t), &got); err != nil {
		t.Fatal(err)
	}
	if got.Setup.Model != "models/pinned" {
		t.Errorf("model = %q, want models/pinned", got.Setup.Model)
	}
	if parts := got.Setup.SystemInstruction.Parts; len(parts) != 1 || parts[0].Text != "hi" {
		t.Errorf("system instruction not preserved: %+v", parts)
	}
	if second := up.waitMessage(t); string(second) != string(audioMsg) {
		t.Errorf("second message = %s, want unchanged audio", second)
	}
}

func TestRelay_UpdateChangesPinnedModel(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	r := relay.New(relay.Config{BaseURL: wsURL(up.srv), APIKey: "k"})
	r.Update(relay.Config{Model: "models/reloaded"})
	url := startRelay(t, r)

	conn, _, err := dial(t, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	setup, _ := transport.MarshalSetup(transport.Setup{})
	_ = conn.Write(context.Background(), websocket.MessageText, setup)

	if !strings.Contains(string(up.waitMessage(t)), `"model":"models/reloaded"`) {
		t.Error("updated model was not applied")
	}
}

func TestRelay_CapacityLimit(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	m, reader := newMetrics(t)
	r := relay.New(relay.Config{BaseURL: wsURL(up.srv), APIKey: "k", MaxSessions: 1}, relay.WithMetrics(m))
	url := startRelay(t, r)

	if _, _, err := dial(t, url, nil); err != nil {
		t.Fatalf("first dial: %v", err)
	}
	waitActive(t, r, 1)

	_, resp, err := dial(t, url, nil)
	if err == nil {
		t.Fatal("second dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %v, want 503", resp)
	}
	if err := r.HasCapacity(context.Background()); err == nil {
		t.Error("HasCapacity() = nil with every slot taken")
	}
	if got := sessionsByStatus(t, reader, "rejected_capacity"); got != 1 {
		t.Errorf("rejected_capacity = %d, want 1", got)
	}
	if r.Active() != 1 {
		t.Errorf("Active() = %d after rejection, want 1", r.Active())
	}
}

func TestRelay_ClientCloseReleasesSlot(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	r := relay.New(relay.Config{BaseURL: wsURL(up.srv), APIKey: "k", MaxSessions: 1})
	url := startRelay(t, r)

	conn, _, err := dial(t, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitActive(t, r, 1)
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case code := <-up.closed:
		if code != websocket.StatusNormalClosure {
			t.Errorf("upstream close status = %v, want normal closure", code)
		}
	case <-time.After(testTimeout):
		t.Fatal("upstream was not closed")
	}
	waitActive(t, r, 0)
	if err := r.HasCapacity(context.Background()); err != nil {
		t.Errorf("HasCapacity() after release = %v", err)
	}

	if _, _, err := dial(t, url, nil); err != nil {
		t.Errorf("dial after release: %v", err)
	}
}

func TestRelay_UpstreamFailureAndBreaker(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.NotFoundHandler())
	base := wsURL(dead)
	dead.Close()

	m, reader := newMetrics(t)
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	r := relay.New(relay.Config{BaseURL: base, APIKey: "k", DialTimeout: time.Second},
		relay.WithMetrics(m), relay.WithBreaker(cb))
	url := startRelay(t, r)

	if err := r.Ready(context.Background()); err != nil {
		t.Errorf("Ready before failures: %v", err)
	}

	_, resp, err := dial(t, url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("first dial: resp=%v err=%v, want 502", resp, err)
	}
	_, resp, err = dial(t, url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second dial: resp=%v err=%v, want 503", resp, err)
	}

	if cb.State() != resilience.StateOpen {
		t.Errorf("breaker state = %v, want open", cb.State())
	}
	if err := r.Ready(context.Background()); err == nil {
		t.Error("Ready() = nil while breaker open")
	}
	if got := sessionsByStatus(t, reader, "upstream_failed"); got != 1 {
		t.Errorf("upstream_failed = %d, want 1", got)
	}
	if got := sessionsByStatus(t, reader, "breaker_open"); got != 1 {
		t.Errorf("breaker_open = %d, want 1", got)
	}
	if r.Active() != 0 {
		t.Errorf("Active() = %d, want 0", r.Active())
	}
}

func TestRelay_Origins(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	r := relay.New(relay.Config{
		BaseURL:        wsURL(up.srv),
		APIKey:         "k",
		AllowedOrigins: []string{"app.example.com", "*.trusted.dev"},
	})
	url := startRelay(t, r)

	tests := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://staging.trusted.dev", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		header := http.Header{}
		if tt.origin != "" {
			header.Set("Origin", tt.origin)
		}
		conn, resp, err := dial(t, url, header)
		if tt.ok {
			if err != nil {
				t.Errorf("origin %q: dial: %v", tt.origin, err)
				continue
			}
			conn.Close(websocket.StatusNormalClosure, "")
			continue
		}
		if err == nil {
			t.Errorf("origin %q: dial succeeded, want rejection", tt.origin)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("origin %q: response = %v, want 403", tt.origin, resp)
		}
	}
	if n := len(up.URLs()); n != 3 {
		t.Errorf("upstream dials = %d, want 3 (rejected origins never dial)", n)
	}
}

func TestRelay_ReadyWithoutKey(t *testing.T) {
	t.Parallel()
	r := relay.New(relay.Config{})
	if err := r.Ready(context.Background()); err == nil {
		t.Error("Ready() = nil without API key")
	}
}

func TestRelay_RegisterRejectsPost(t *testing.T) {
	t.Parallel()
	r := relay.New(relay.Config{APIKey: "k"})
	mux := http.NewServeMux()
	r.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, transport.LivePath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	origins := []string{"a.example.com"}
	got := relay.ConfigFrom(config.UpstreamConfig{
		BaseURL:        "wss://upstream.test/ws",
		APIKey:         "k",
		Model:          "models/m",
		DialTimeout:    3 * time.Second,
		MaxSessions:    7,
		AllowedOrigins: origins,
	})
	if got.BaseURL != "wss://upstream.test/ws" || got.APIKey != "k" || got.Model != "models/m" ||
		got.DialTimeout != 3*time.Second || got.MaxSessions != 7 {
		t.Errorf("ConfigFrom = %+v", got)
	}
	origins[0] = "changed"
	if got.AllowedOrigins[0] != "a.example.com" {
		t.Error("ConfigFrom shares the origins slice")
	}
}
