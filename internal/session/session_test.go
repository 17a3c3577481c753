package session_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/glassbridge/glassbridge/internal/config"
	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/internal/observe"
	"github.com/glassbridge/glassbridge/internal/session"
	"github.com/glassbridge/glassbridge/internal/stream"
	"github.com/glassbridge/glassbridge/pkg/provider/speech"
	"github.com/glassbridge/glassbridge/pkg/provider/speech/mock"
)

// fakeClient records control messages sent to the glasses transport.
type fakeClient struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (f *fakeClient) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) micStates() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bool
	for _, m := range f.sent {
		if msc, ok := m.(message.MicrophoneStateChange); ok {
			out = append(out, msc.Enabled)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func newTestDirectory(t *testing.T, provider *mock.Provider, grace time.Duration) *session.Directory {
	t.Helper()
	chain := stream.Chain{Default: provider.Name(), Providers: []speech.Provider{provider}}
	d := session.New(session.Config{
		Chain:       chain,
		GracePeriod: grace,
		MicDebounce: time.Millisecond,
		Stream:      config.StreamConfig{RetryBaseDelay: time.Millisecond},
		Logger:      slog.New(slog.DiscardHandler),
	})
	t.Cleanup(d.Close)
	return d
}

func TestDirectory_CreateOrAttachReusesSession(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t, &mock.Provider{}, time.Minute)

	first := &fakeClient{}
	s, reattached := d.CreateOrAttach(context.Background(), "user@example.com", first)
	if reattached {
		t.Fatal("fresh session reported as reattach")
	}

	s.Subscriptions().Update("com.example.captions", []message.StreamKey{message.TranscriptionKey("en-US")})
	s.Detach(nil)

	second := &fakeClient{}
	again, reattached := d.CreateOrAttach(context.Background(), "user@example.com", second)
	if !reattached {
		t.Fatal("reconnect within grace period should reattach")
	}
	if again.ID() != s.ID() {
		t.Errorf("session id changed across reconnect: %q != %q", again.ID(), s.ID())
	}
	if keys := again.Subscriptions().ActiveKeys(message.StreamTranscription); len(keys) != 1 {
		t.Errorf("subscriptions lost across reconnect: %v", keys)
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d, want 1", d.Len())
	}
}

func TestDirectory_GraceExpiryDisposesSession(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t, &mock.Provider{}, 30*time.Millisecond)

	client := &fakeClient{}
	s, _ := d.CreateOrAttach(context.Background(), "user@example.com", client)
	s.Detach(nil)

	waitFor(t, 2*time.Second, func() bool { return d.Len() == 0 })

	if _, ok := d.Lookup("user@example.com"); ok {
		t.Error("expired session still resolvable")
	}
}

func TestDirectory_ReattachCancelsTeardown(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t, &mock.Provider{}, 50*time.Millisecond)

	s, _ := d.CreateOrAttach(context.Background(), "user@example.com", &fakeClient{})
	s.Detach(nil)
	_, reattached := d.CreateOrAttach(context.Background(), "user@example.com", &fakeClient{})
	if !reattached {
		t.Fatal("expected reattach")
	}

	time.Sleep(150 * time.Millisecond)
	if d.Len() != 1 {
		t.Error("session torn down despite reattachment")
	}
}

func TestDirectory_ConcurrentCreateOrAttachIsSingleSession(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t, &mock.Provider{}, time.Minute)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _ := d.CreateOrAttach(context.Background(), "user@example.com", &fakeClient{})
			ids[i] = s.ID()
		}(i)
	}
	wg.Wait()

	if d.Len() != 1 {
		t.Fatalf("Len = %d, want 1", d.Len())
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got session %q, caller 0 got %q", i, ids[i], ids[0])
		}
	}
}

func TestDirectory_RemoveDisposesImmediately(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t, &mock.Provider{}, time.Minute)

	client := &fakeClient{}
	d.CreateOrAttach(context.Background(), "user@example.com", client)
	d.Remove("user@example.com")

	if d.Len() != 0 {
		t.Errorf("Len = %d, want 0", d.Len())
	}
	client.mu.Lock()
	closed := client.closed
	client.mu.Unlock()
	if !closed {
		t.Error("client transport not closed on removal")
	}
}

func TestSession_SubscriptionStartsProviderStream(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	d := newTestDirectory(t, provider, time.Minute)

	s, _ := d.CreateOrAttach(context.Background(), "user@example.com", &fakeClient{})
	s.Subscriptions().Update("com.example.captions", []message.StreamKey{message.TranscriptionKey("en-US")})

	waitFor(t, 2*time.Second, func() bool { return provider.CallCount() >= 1 })

	calls := provider.StartStreamCalls
	if calls[0].Cfg.Language != "en-US" || calls[0].Cfg.TargetLanguage != "" {
		t.Errorf("stream config = %+v", calls[0].Cfg)
	}
}

func TestSession_MicrophoneStateReachesClient(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t, &mock.Provider{}, time.Minute)

	client := &fakeClient{}
	s, _ := d.CreateOrAttach(context.Background(), "user@example.com", client)

	s.Subscriptions().Update("com.example.captions", []message.StreamKey{message.TranscriptionKey("en-US")})
	waitFor(t, 2*time.Second, func() bool {
		states := client.micStates()
		return len(states) > 0 && states[len(states)-1]
	})

	if !s.MicrophoneNeeded() {
		t.Error("MicrophoneNeeded = false with a transcription subscription")
	}
}

// fakeAppTransport satisfies appconn.Transport for wiring checks.
type fakeAppTransport struct{}

func (fakeAppTransport) Send(context.Context, []byte) error       { return nil }
func (fakeAppTransport) SendBinary(context.Context, []byte) error { return nil }
func (fakeAppTransport) Close(string) error                       { return nil }

func TestSession_AppConnectionGaugeTracksRegistry(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	prov := &mock.Provider{}
	d := session.New(session.Config{
		Chain:       stream.Chain{Default: prov.Name(), Providers: []speech.Provider{prov}},
		GracePeriod: time.Minute,
		MicDebounce: time.Millisecond,
		Stream:      config.StreamConfig{RetryBaseDelay: time.Millisecond},
		Logger:      slog.New(slog.DiscardHandler),
		Metrics:     metrics,
	})
	t.Cleanup(d.Close)

	s, _ := d.CreateOrAttach(context.Background(), "user@example.com", &fakeClient{})
	s.Apps().Register("com.example.captions", fakeAppTransport{})

	if got := sumValue(t, reader, "glassbridge.appconns.active"); got != 1 {
		t.Errorf("active app connections = %d, want 1", got)
	}

	s.Apps().Unregister("com.example.captions", false)
	if got := sumValue(t, reader, "glassbridge.appconns.active"); got != 0 {
		t.Errorf("active app connections after disconnect = %d, want 0", got)
	}

	// A send to the missing App lands in the delivery-failure counter.
	s.Apps().Send("com.example.captions", map[string]string{"type": "ping"})
	if got := sumValue(t, reader, "glassbridge.delivery.failures"); got != 1 {
		t.Errorf("delivery failures = %d, want 1", got)
	}
}

// sumValue collects and totals the data points of a Sum instrument.
func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestSession_PlayAudioWithoutBridge(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t, &mock.Provider{}, time.Minute)

	s, _ := d.CreateOrAttach(context.Background(), "user@example.com", &fakeClient{})
	if err := s.PlayAudio("com.example.captions", "req-1", "https://cdn.example/clip.mp3", 1); err == nil {
		t.Error("PlayAudio should fail when the bridge is disabled")
	}
}
