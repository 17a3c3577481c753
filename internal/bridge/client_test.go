package bridge_test

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

	"github.com/glassbridge/glassbridge/internal/bridge"
	"github.com/glassbridge/glassbridge/pkg/pcm"
)

// fakeBridge is a websocket server standing in for the media bridge
// process: it records inbound commands and lets tests push events and
// binary audio to the client.
type fakeBridge struct {
	srv      *httptest.Server
	accepted chan *websocket.Conn
	cmds     chan map[string]any
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{
		accepted: make(chan *websocket.Conn, 4),
		cmds:     make(chan map[string]any, 16),
	}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fb.accepted <- c
		for {
			typ, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				var m map[string]any
				if json.Unmarshal(data, &m) == nil {
					fb.cmds <- m
				}
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBridge) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fb.accepted:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no bridge connection accepted in time")
		return nil
	}
}

func (fb *fakeBridge) waitCmd(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-fb.cmds:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no command received in time")
		return nil
	}
}

func TestClient_ConnectJoinsRoom(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t)
	c := bridge.New(bridge.Config{URL: fb.url(), SessionID: "sess-1"})
	defer c.Close()

	err := c.Connect(context.Background(), bridge.JoinParams{
		RoomName: "room-42",
		Token:    "tok",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fb.waitConn(t)

	cmd := fb.waitCmd(t)
	if cmd["action"] != "join_room" || cmd["roomName"] != "room-42" || cmd["token"] != "tok" {
		t.Errorf("join command = %v", cmd)
	}
	if !c.Connected() {
		t.Error("client should report connected")
	}
}

func TestClient_PlaybackCommands(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t)
	c := bridge.New(bridge.Config{URL: fb.url()})
	defer c.Close()

	if err := c.Connect(context.Background(), bridge.JoinParams{RoomName: "r"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fb.waitCmd(t) // join_room

	if err := c.PlayURL("req-1", "https://cdn.example/chime.mp3", bridge.PlayOptions{Volume: 0.8}); err != nil {
		t.Fatalf("PlayURL: %v", err)
	}
	cmd := fb.waitCmd(t)
	if cmd["action"] != "play" || cmd["requestId"] != "req-1" || cmd["url"] != "https://cdn.example/chime.mp3" {
		t.Errorf("play command = %v", cmd)
	}
	if cmd["volume"] != 0.8 {
		t.Errorf("volume = %v, want 0.8", cmd["volume"])
	}

	if err := c.StopPlayback("req-1"); err != nil {
		t.Fatalf("StopPlayback: %v", err)
	}
	cmd = fb.waitCmd(t)
	if cmd["action"] != "stop" || cmd["requestId"] != "req-1" {
		t.Errorf("stop command = %v", cmd)
	}
}

func TestClient_EventsForwarded(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t)
	events := make(chan bridge.Event, 8)
	c := bridge.New(bridge.Config{
		URL:     fb.url(),
		OnEvent: func(e bridge.Event) { events <- e },
	})
	defer c.Close()

	if err := c.Connect(context.Background(), bridge.JoinParams{RoomName: "r"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := fb.waitConn(t)

	payload, _ := json.Marshal(bridge.Event{
		Type:      bridge.EventPlaybackComplete,
		RequestID: "req-9",
	})
	if err := conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != bridge.EventPlaybackComplete || e.RequestID != "req-9" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event forwarded in time")
	}
}

// bigEndianFrame encodes n samples of the given value in big-endian order,
// which a little-endian reader sees as implausibly loud audio.
func bigEndianFrame(n int, value int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = byte(uint16(value) >> 8)
		out[i*2+1] = byte(uint16(value))
	}
	return out
}

func TestClient_AutoByteOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		frame      func() []byte
		wantSample int16
	}{
		{
			name:       "big endian input gets swapped",
			frame:      func() []byte { return bigEndianFrame(128, 100) },
			wantSample: 100,
		},
		{
			name: "little endian input passes through",
			frame: func() []byte {
				samples := make([]int16, 128)
				for i := range samples {
					samples[i] = 100
				}
				return pcm.Int16ToBytes(samples)
			},
			wantSample: 100,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fb := newFakeBridge(t)
			var mu sync.Mutex
			var frames [][]byte
			c := bridge.New(bridge.Config{
				URL:       fb.url(),
				ByteOrder: pcm.ByteOrderAuto,
				OnAudio: func(frame []byte) {
					mu.Lock()
					frames = append(frames, frame)
					mu.Unlock()
				},
			})
			defer c.Close()

			if err := c.Connect(context.Background(), bridge.JoinParams{RoomName: "r"}); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			conn := fb.waitConn(t)

			if err := conn.Write(context.Background(), websocket.MessageBinary, tc.frame()); err != nil {
				t.Fatalf("server write: %v", err)
			}

			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				mu.Lock()
				n := len(frames)
				mu.Unlock()
				if n > 0 {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(frames) == 0 {
				t.Fatal("no audio delivered")
			}
			got := pcm.BytesToInt16(frames[0])
			if got[0] != tc.wantSample {
				t.Errorf("first sample = %d, want %d", got[0], tc.wantSample)
			}
		})
	}
}

func TestClient_ReconnectsWithLastJoinParams(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t)
	c := bridge.New(bridge.Config{
		URL:                fb.url(),
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	defer c.Close()

	if err := c.Connect(context.Background(), bridge.JoinParams{RoomName: "room-7", Token: "tok"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := fb.waitConn(t)
	fb.waitCmd(t) // initial join

	// Simulate a bridge crash.
	conn.Close(websocket.StatusInternalError, "bridge restarting")

	fb.waitConn(t)
	cmd := fb.waitCmd(t)
	if cmd["action"] != "join_room" || cmd["roomName"] != "room-7" || cmd["token"] != "tok" {
		t.Errorf("rejoin command = %v", cmd)
	}
}

func TestClient_LeaveRoomDisarmsReconnect(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t)
	c := bridge.New(bridge.Config{
		URL:                fb.url(),
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	defer c.Close()

	if err := c.Connect(context.Background(), bridge.JoinParams{RoomName: "r"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := fb.waitConn(t)
	fb.waitCmd(t) // join_room

	if err := c.LeaveRoom(); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	fb.waitCmd(t) // leave_room
	conn.Close(websocket.StatusNormalClosure, "done")

	select {
	case <-fb.accepted:
		t.Fatal("client must not reconnect after LeaveRoom")
	case <-time.After(150 * time.Millisecond):
	}
}
