package live_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/pkg/audio"
	audiomock "github.com/MrWong99/livebridge/pkg/audio/mock"
	"github.com/MrWong99/livebridge/pkg/live"
	"github.com/MrWong99/livebridge/pkg/live/transport"
	tmock "github.com/MrWong99/livebridge/pkg/live/transport/mock"
)

const waitTimeout = 3 * time.Second

// ── Helpers ───────────────────────────────────────────────────────────────────

type observer struct {
	states   chan live.State
	speaking chan bool
	volumes  chan float64
}

func newObserver() *observer {
	return &observer{
		states:   make(chan live.State, 8),
		speaking: make(chan bool, 32),
		volumes:  make(chan float64, 32),
	}
}

func (o *observer) StateChanged(s live.State)   { o.states <- s }
func (o *observer) SpeakingChanged(b bool)      { o.speaking <- b }
func (o *observer) VolumeChanged(level float64) { o.volumes <- level }

func (o *observer) waitState(t *testing.T, want live.State) {
	t.Helper()
	select {
	case got := <-o.states:
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for state %v", want)
	}
}

func (o *observer) waitSpeaking(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-o.speaking:
		if got != want {
			t.Fatalf("speaking = %v, want %v", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for speaking=%v", want)
	}
}

type closeRecorder struct {
	mu    sync.Mutex
	calls int
	errs  chan error
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{errs: make(chan error, 4)}
}

func (r *closeRecorder) onClose(err error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	r.errs <- err
}

func (r *closeRecorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for onClose")
		return nil
	}
}

func (r *closeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	dev     *audiomock.Device
	ch      *tmock.Channel
	dialer  *tmock.Dialer
	obs     *observer
	closer  *closeRecorder
	reader  *sdkmetric.ManualReader
	session *live.Session
}

func newFixture(t *testing.T, opts ...live.Option) *fixture {
	t.Helper()
	f := &fixture{
		dev:    audiomock.NewDevice(),
		ch:     tmock.NewChannel(),
		obs:    newObserver(),
		closer: newCloseRecorder(),
		reader: sdkmetric.NewManualReader(),
	}
	f.dialer = &tmock.Dialer{Channel: f.ch}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	base := []live.Option{
		live.WithURL("ws://bridge.test/api/live"),
		live.WithDevice(f.dev),
		live.WithDialer(f.dialer),
		live.WithObserver(f.obs),
		live.WithMetrics(m),
	}
	s, err := live.New("Be brief.", f.closer.onClose, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	f.session = s
	return f
}

// connect waits for Connected and for capture to open its stream.
func (f *fixture) connect(t *testing.T) *audiomock.Stream {
	t.Helper()
	f.obs.waitState(t, live.StateConnected)
	select {
	case st := <-f.dev.Created():
		return st
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for capture to start")
		return nil
	}
}

func waitWrites(t *testing.T, ch *tmock.Channel, n int) [][]byte {
	t.Helper()
	deadline := time.After(waitTimeout)
	for len(ch.Written()) < n {
		select {
		case <-ch.Writes():
		case <-deadline:
			t.Fatalf("timeout waiting for %d writes, got %d", n, len(ch.Written()))
		}
	}
	return ch.Written()
}

func serverAudio(t *testing.T, data string) []byte {
	t.Helper()
	msg := map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{
					map[string]any{"inlineData": map[string]any{"mimeType": audio.MIMEType, "data": data}},
				},
			},
		},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func waitStarted(t *testing.T, p *audiomock.Player) {
	t.Helper()
	select {
	case <-p.Started():
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for playback to start")
	}
}

func waitDone(t *testing.T, s *live.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for session to end")
	}
}

func droppedByReason(t *testing.T, reader *sdkmetric.ManualReader, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "livebridge.frames.dropped" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("frames.dropped is %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("reason"); ok && v.AsString() == reason {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresDevice(t *testing.T) {
	t.Parallel()
	_, err := live.New("", nil, live.WithDialer(&tmock.Dialer{Channel: tmock.NewChannel()}))
	if !errors.Is(err, live.ErrNoDevice) {
		t.Errorf("err = %v, want ErrNoDevice", err)
	}
}

func TestNew_RejectsNonWebSocketURL(t *testing.T) {
	t.Parallel()
	_, err := live.New("", nil,
		live.WithDevice(audiomock.NewDevice()),
		live.WithURL("http://bridge.test/api/live"),
	)
	if err == nil {
		t.Fatal("expected error for http url")
	}
}

func TestSession_SetupSentOnceBeforeAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, live.WithVoice("Puck"))
	stream := f.connect(t)

	if !f.session.Connected() || f.session.State() != live.StateConnected {
		t.Errorf("Connected=%v State=%v", f.session.Connected(), f.session.State())
	}

	stream.Push(make([]float32, 512))
	stream.Push(make([]float32, 512))
	msgs := waitWrites(t, f.ch, 3)

	var setups int
	for i, raw := range msgs {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if _, ok := m["setup"]; ok {
			setups++
			if i != 0 {
				t.Errorf("setup is message %d, want 0", i)
			}
		}
	}
	if setups != 1 {
		t.Errorf("setup messages = %d, want 1", setups)
	}

	var setup struct {
		Setup struct {
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"system_instruction"`
			GenerationConfig struct {
				SpeechConfig struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voice_name"`
						} `json:"prebuilt_voice_config"`
					} `json:"voice_config"`
				} `json:"speech_config"`
			} `json:"generation_config"`
		} `json:"setup"`
	}
	if err := json.Unmarshal(msgs[0], &setup); err != nil {
		t.Fatal(err)
	}
	if parts := setup.Setup.SystemInstruction.Parts; len(parts) != 1 || parts[0].Text != "Be brief." {
		t.Errorf("system instruction parts = %+v", parts)
	}
	if v := setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Puck" {
		t.Errorf("voice = %q, want Puck", v)
	}
}

func TestSession_MicrophoneFramesAreSent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, live.WithBlockSize(256))
	stream := f.connect(t)

	block := make([]float32, 256)
	for i := range block {
		block[i] = 0.25
	}
	stream.Push(block)
	msgs := waitWrites(t, f.ch, 2)

	var m struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mime_type"`
				Data     string `json:"data"`
			} `json:"media_chunks"`
		} `json:"realtime_input"`
	}
	if err := json.Unmarshal(msgs[1], &m); err != nil {
		t.Fatal(err)
	}
	chunks := m.RealtimeInput.MediaChunks
	if len(chunks) != 1 || chunks[0].MIMEType != audio.MIMEType {
		t.Fatalf("chunks = %+v", chunks)
	}
	frame, err := audio.Decode(chunks[0].Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frame.Samples) != 256 {
		t.Errorf("samples = %d, want 256", len(frame.Samples))
	}
	if want := audio.FloatToPCM16([]float32{0.25})[0]; frame.Samples[0] != want {
		t.Errorf("sample[0] = %d, want %d", frame.Samples[0], want)
	}
}

func TestSession_MuteSuppressesFramesNotVolume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stream := f.connect(t)
	waitWrites(t, f.ch, 1)

	f.session.SetMuted(true)
	if !f.session.Muted() {
		t.Fatal("Muted() = false after SetMuted(true)")
	}
	block := make([]float32, 512)
	for i := range block {
		block[i] = 0.5
	}
	stream.Push(block)

	select {
	case v := <-f.obs.volumes:
		if v <= 0 {
			t.Errorf("volume = %v, want > 0", v)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for volume while muted")
	}
	if got := f.session.Volume(); got <= 0 {
		t.Errorf("Volume() = %v, want > 0", got)
	}
	if n := len(f.ch.Written()); n != 1 {
		t.Errorf("writes while muted = %d, want 1 (setup only)", n)
	}

	f.session.SetMuted(false)
	stream.Push(block)
	waitWrites(t, f.ch, 2)
}

func TestSession_PlaysInboundAudioInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)
	player := f.dev.PlayerResult

	frames := []audio.AudioFrame{
		{Samples: []int16{1, 1}, SampleRate: audio.WireSampleRate},
		{Samples: []int16{2, 2, 2}, SampleRate: audio.WireSampleRate},
		{Samples: []int16{3}, SampleRate: audio.WireSampleRate},
	}
	for _, fr := range frames {
		if !f.ch.Deliver(serverAudio(t, audio.Encode(fr))) {
			t.Fatal("Deliver failed")
		}
	}
	// Once this is read, every audio message before it has been enqueued.
	f.ch.Deliver([]byte(`{"setupComplete":{}}`))

	waitStarted(t, player)
	f.obs.waitSpeaking(t, true)
	if !f.session.Speaking() {
		t.Error("Speaking() = false while playing")
	}
	for range 2 {
		player.Complete()
		waitStarted(t, player)
	}
	player.Complete()
	f.obs.waitSpeaking(t, false)

	played := player.Played()
	if len(played) != 3 {
		t.Fatalf("played %d frames, want 3", len(played))
	}
	for i, fr := range played {
		if fr.Samples[0] != frames[i].Samples[0] || len(fr.Samples) != len(frames[i].Samples) {
			t.Errorf("frame %d = %v, want %v", i, fr.Samples, frames[i].Samples)
		}
	}
	if player.MaxActive() != 1 {
		t.Errorf("MaxActive = %d, want 1", player.MaxActive())
	}
	if f.session.Speaking() {
		t.Error("Speaking() = true after queue drained")
	}
}

func TestSession_SlowPlaybackOpenDoesNotStallReceive(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	dev := audiomock.NewDevice()
	dev.OpenGate = gate
	ch := tmock.NewChannel()
	obs := newObserver()

	s, err := live.New("", nil,
		live.WithURL("ws://bridge.test/api/live"),
		live.WithDevice(dev),
		live.WithDialer(&tmock.Dialer{Channel: ch}),
		live.WithObserver(obs),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	defer release()
	obs.waitState(t, live.StateConnected)

	msg := serverAudio(t, audio.Encode(audio.AudioFrame{Samples: []int16{4, 4}}))
	read := make(chan struct{})
	go func() {
		defer close(read)
		ch.Deliver(msg)
		ch.Deliver(msg)
		// Accepted only once the second audio message has been dispatched.
		ch.Deliver([]byte(`{"setupComplete":{}}`))
	}()
	select {
	case <-read:
	case <-time.After(waitTimeout):
		t.Fatal("inbound messages not read while the output device was opening")
	}
	if s.Speaking() {
		t.Error("Speaking() = true before the output device opened")
	}

	release()
	player := dev.PlayerResult
	waitStarted(t, player)
	player.Complete()
	waitStarted(t, player)
	if got := len(player.Played()); got != 2 {
		t.Errorf("played %d frames, want 2", got)
	}
	if got := dev.OpenCalls(); got != 1 {
		t.Errorf("OpenPlayer calls = %d, want 1", got)
	}
}

func TestSession_MalformedAudioIsDroppedAndCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	f.ch.Deliver(serverAudio(t, "AAE")) // truncated base64
	good := audio.AudioFrame{Samples: []int16{7, 7}, SampleRate: audio.WireSampleRate}
	f.ch.Deliver(serverAudio(t, audio.Encode(good)))

	waitStarted(t, f.dev.PlayerResult)
	if got := droppedByReason(t, f.reader, "malformed"); got != 1 {
		t.Errorf("malformed drops = %d, want 1", got)
	}
	if !f.session.Connected() {
		t.Error("session disconnected after malformed frame")
	}
}

func TestSession_PermissionDeniedIsListenOnly(t *testing.T) {
	t.Parallel()
	dev := audiomock.NewDevice()
	dev.Capturer.Err = errors.New("microphone access denied")
	ch := tmock.NewChannel()
	obs := newObserver()

	s, err := live.New("", nil,
		live.WithURL("ws://bridge.test/api/live"),
		live.WithDevice(dev),
		live.WithDialer(&tmock.Dialer{Channel: ch}),
		live.WithObserver(obs),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	obs.waitState(t, live.StateConnected)

	deadline := time.Now().Add(waitTimeout)
	for dev.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dev.Calls() != 1 {
		t.Fatalf("Capture calls = %d, want 1", dev.Calls())
	}

	ch.Deliver(serverAudio(t, audio.Encode(audio.AudioFrame{Samples: []int16{1}})))
	waitStarted(t, dev.PlayerResult)
	if !s.Connected() {
		t.Error("session disconnected after permission failure")
	}
}

func TestSession_CloseBeforeConnected(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)

	dev := audiomock.NewDevice()
	closer := newCloseRecorder()
	s, err := live.New("", closer.onClose,
		live.WithURL("ws://bridge.test/api/live"),
		live.WithDevice(dev),
		live.WithDialer(&tmock.Dialer{Channel: tmock.NewChannel(), Gate: gate}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := closer.wait(t); err != nil {
		t.Errorf("onClose err = %v, want nil", err)
	}
	waitDone(t, s)
	if s.State() != live.StateClosed || s.Connected() {
		t.Errorf("State=%v Connected=%v after Close", s.State(), s.Connected())
	}
	if dev.Calls() != 0 {
		t.Errorf("Capture calls = %d, want 0", dev.Calls())
	}
	if dev.OpenCalls() != 0 {
		t.Errorf("OpenPlayer calls = %d, want 0", dev.OpenCalls())
	}
}

func TestSession_CloseReleasesDevicesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stream := f.connect(t)
	f.ch.Deliver(serverAudio(t, audio.Encode(audio.AudioFrame{Samples: []int16{1, 2}})))
	waitStarted(t, f.dev.PlayerResult)

	for range 3 {
		_ = f.session.Close()
	}
	if err := f.closer.wait(t); err != nil {
		t.Errorf("onClose err = %v, want nil", err)
	}
	waitDone(t, f.session)

	if stream.CloseCalls() != 1 {
		t.Errorf("stream CloseCalls = %d, want 1", stream.CloseCalls())
	}
	if f.dev.PlayerResult.CloseCalls() != 1 {
		t.Errorf("player CloseCalls = %d, want 1", f.dev.PlayerResult.CloseCalls())
	}
	if f.ch.CloseCalls() != 1 {
		t.Errorf("channel CloseCalls = %d, want 1", f.ch.CloseCalls())
	}
	if f.closer.count() != 1 {
		t.Errorf("onClose calls = %d, want 1", f.closer.count())
	}
	if f.session.Err() != nil {
		t.Errorf("Err() = %v, want nil", f.session.Err())
	}
}

func TestSession_ConnectionFailureEndsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stream := f.connect(t)

	f.ch.Fail(errors.New("socket reset"))

	err := f.closer.wait(t)
	if !errors.Is(err, transport.ErrConnectionFailure) {
		t.Errorf("onClose err = %v, want ErrConnectionFailure", err)
	}
	waitDone(t, f.session)
	f.obs.waitState(t, live.StateClosed)
	if !errors.Is(f.session.Err(), transport.ErrConnectionFailure) {
		t.Errorf("Err() = %v", f.session.Err())
	}
	if !stream.Closed() {
		t.Error("capture stream still open after failure")
	}
	if f.session.Connected() {
		t.Error("Connected() = true after failure")
	}
}

func TestSession_DialFailure(t *testing.T) {
	t.Parallel()
	dev := audiomock.NewDevice()
	closer := newCloseRecorder()
	s, err := live.New("", closer.onClose,
		live.WithURL("ws://bridge.test/api/live"),
		live.WithDevice(dev),
		live.WithDialer(&tmock.Dialer{Err: errors.New("connection refused")}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := closer.wait(t); !errors.Is(err, transport.ErrConnectionFailure) {
		t.Errorf("onClose err = %v, want ErrConnectionFailure", err)
	}
	waitDone(t, s)
	if dev.Calls() != 0 {
		t.Errorf("Capture calls = %d, want 0", dev.Calls())
	}
}

func TestSession_CloseFromObserver(t *testing.T) {
	t.Parallel()
	dev := audiomock.NewDevice()
	closer := newCloseRecorder()
	var s *live.Session
	ready := make(chan struct{})
	obs := live.ObserverFuncs{
		OnState: func(st live.State) {
			if st == live.StateConnected {
				<-ready
				_ = s.Close()
			}
		},
	}
	var err error
	s, err = live.New("", closer.onClose,
		live.WithURL("ws://bridge.test/api/live"),
		live.WithDevice(dev),
		live.WithDialer(&tmock.Dialer{Channel: tmock.NewChannel()}),
		live.WithObserver(obs),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	close(ready)

	if err := closer.wait(t); err != nil {
		t.Errorf("onClose err = %v, want nil", err)
	}
	waitDone(t, s)
}

func TestSession_IDsAreUnique(t *testing.T) {
	t.Parallel()
	a := newFixture(t)
	b := newFixture(t)
	if a.session.ID() == "" || a.session.ID() == b.session.ID() {
		t.Errorf("IDs %q and %q", a.session.ID(), b.session.ID())
	}
}
