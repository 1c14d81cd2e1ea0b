package ticker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeFeed is an httptest upstream that records control frames and can push
// ticks, drop connections, reject handshakes or go silent.
type fakeFeed struct {
	t   *testing.T
	srv *httptest.Server

	attempts atomic.Int32
	reject   atomic.Bool
	silent   atomic.Bool

	mu     sync.Mutex
	conns  []*websocket.Conn
	query  []string
	frames chan FeedRequest
	quit   chan struct{}
}

func newFakeFeed(t *testing.T) *fakeFeed {
	t.Helper()
	f := &fakeFeed{
		t:      t,
		frames: make(chan FeedRequest, 64),
		quit:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.attempts.Add(1)
		if f.reject.Load() {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.query = append(f.query, r.URL.Query().Get("Value1"))
		f.mu.Unlock()

		if f.silent.Load() {
			<-f.quit
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req FeedRequest
			if err := json.Unmarshal(data, &req); err != nil {
				t.Logf("bad control frame: %s", data)
				continue
			}
			f.frames <- req
		}
	}))
	t.Cleanup(func() {
		close(f.quit)
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeFeed) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeFeed) latest() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// push writes raw to the most recent connection.
func (f *fakeFeed) push(raw string) {
	f.t.Helper()
	c := f.latest()
	if c == nil {
		f.t.Fatal("no upstream connection to push to")
	}
	if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		f.t.Fatalf("push: %v", err)
	}
}

// dropAll closes every server-side connection.
func (f *fakeFeed) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fakeFeed) nextFrame() FeedRequest {
	f.t.Helper()
	select {
	case req := <-f.frames:
		return req
	case <-time.After(3 * time.Second):
		f.t.Fatal("timed out waiting for control frame")
		return FeedRequest{}
	}
}

func (f *fakeFeed) noFrame(wait time.Duration) {
	f.t.Helper()
	select {
	case req := <-f.frames:
		f.t.Fatalf("unexpected control frame: %+v", req)
	case <-time.After(wait):
	}
}

func scrips(ids ...int64) []FeedScrip {
	out := make([]FeedScrip, 0, len(ids))
	for _, id := range ids {
		out = append(out, FeedScrip{Exch: "N", ExchType: "C", ScripCode: id})
	}
	return out
}
