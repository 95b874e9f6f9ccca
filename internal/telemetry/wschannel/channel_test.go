package wschannel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstream struct {
	mu         sync.Mutex
	accepted   int
	subscribes []string
	closeFirst bool
}

func (u *upstream) count() (int, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.accepted, len(u.subscribes)
}

func (u *upstream) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		u.mu.Lock()
		u.accepted++
		n := u.accepted
		u.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Type != "subscribe" {
				continue
			}
			u.mu.Lock()
			u.subscribes = append(u.subscribes, env.Topic)
			u.mu.Unlock()

			conn.Write(ctx, websocket.MessageText, []byte("not json"))
			msg, _ := json.Marshal(Envelope{Type: "message", Topic: env.Topic, Payload: json.RawMessage(`[{"id":1}]`)})
			conn.Write(ctx, websocket.MessageText, msg)

			if u.closeFirst && n == 1 {
				conn.Close(websocket.StatusGoingAway, "restart")
				return
			}
		}
	}
}

func newTestChannel(t *testing.T, u *upstream) (*Channel, func()) {
	t.Helper()
	srv := httptest.NewServer(u.handler(t))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch := New(url, "token", 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return ch, func() {
		ch.Close()
		srv.Close()
	}
}

func TestChannelDeliversMessagesAndDropsMalformedFrames(t *testing.T) {
	u := &upstream{}
	ch, cleanup := newTestChannel(t, u)
	defer cleanup()

	ready := make(chan struct{})
	require.NoError(t, ch.Connect(context.Background(), func() { close(ready) }))
	<-ready

	payloads := make(chan string, 4)
	sub, err := ch.Subscribe("/topic/vehicles", func(p []byte) { payloads <- string(p) })
	require.NoError(t, err)

	select {
	case p := <-payloads:
		assert.JSONEq(t, `[{"id":1}]`, p)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	assert.Len(t, payloads, 0)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestConnectIsIdempotent(t *testing.T) {
	u := &upstream{}
	ch, cleanup := newTestChannel(t, u)
	defer cleanup()

	ready := make(chan struct{}, 2)
	require.NoError(t, ch.Connect(context.Background(), func() { ready <- struct{}{} }))
	require.NoError(t, ch.Connect(context.Background(), func() { ready <- struct{}{} }))
	<-ready
	<-ready

	called := false
	require.NoError(t, ch.Connect(context.Background(), func() { called = true }))
	assert.True(t, called)

	accepted, _ := u.count()
	assert.Equal(t, 1, accepted)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	u := &upstream{closeFirst: true}
	ch, cleanup := newTestChannel(t, u)
	defer cleanup()

	var mu sync.Mutex
	var transitions []bool
	ch.OnStatus(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	received := make(chan struct{}, 8)
	require.NoError(t, ch.Connect(context.Background(), func() {
		_, err := ch.Subscribe("vehicles", func([]byte) { received <- struct{}{} })
		assert.NoError(t, err)
	}))

	require.Eventually(t, func() bool {
		accepted, subs := u.count()
		return accepted >= 2 && subs >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(received) >= 2 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 3)
	assert.Equal(t, []bool{true, false, true}, transitions[:3])
}
