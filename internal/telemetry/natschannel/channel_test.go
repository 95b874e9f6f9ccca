package natschannel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/telemetry"
)

func newChannel(opts ...Option) *Channel {
	return New("nats://127.0.0.1:4222", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestSubscribeBeforeConnect(t *testing.T) {
	_, err := newChannel().Subscribe("vehicles", func([]byte) {})
	assert.ErrorIs(t, err, telemetry.ErrNotConnected)
}

func TestOptionsIncludeCredentials(t *testing.T) {
	base := len(newChannel().options())
	assert.Len(t, newChannel(WithToken("t")).options(), base+1)
	assert.Len(t, newChannel(WithUserInfo("u", "p"), WithToken("t")).options(), base+2)
}

func TestCloseWithoutConnect(t *testing.T) {
	c := newChannel()
	require.NoError(t, c.Close())
	assert.False(t, c.state.Connected())
}

// fakeServer speaks just enough of the NATS client protocol for a single
// subscriber: INFO on accept, PONG for PING, SUB bookkeeping and MSG push.
type fakeServer struct {
	ln   net.Listener
	subs chan subscription

	mu    sync.Mutex
	conns []*serverConn
}

type serverConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *serverConn) write(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.conn, format, args...)
}

type subscription struct {
	conn    *serverConn
	subject string
	sid     string
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, subs: make(chan subscription, 16)}
	go s.accept()
	t.Cleanup(func() {
		ln.Close()
		s.dropClients()
	})
	return s
}

func (s *fakeServer) url() string {
	return "nats://" + s.ln.Addr().String()
}

func (s *fakeServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go s.serve(sc)
	}
}

func (s *fakeServer) serve(sc *serverConn) {
	sc.write("INFO {\"server_id\":\"fake\",\"version\":\"2.10.0\",\"proto\":1,\"max_payload\":1048576}\r\n")
	r := bufio.NewReader(sc.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "PING":
			sc.write("PONG\r\n")
		case strings.HasPrefix(line, "SUB "):
			f := strings.Fields(line)
			s.subs <- subscription{conn: sc, subject: f[1], sid: f[len(f)-1]}
		}
	}
}

// dropClients cuts every connection so clients go through reconnect
func (s *fakeServer) dropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.conns {
		sc.conn.Close()
	}
	s.conns = nil
}

func (s *fakeServer) nextSub(t *testing.T) subscription {
	t.Helper()
	select {
	case sub := <-s.subs:
		return sub
	case <-time.After(5 * time.Second):
		t.Fatal("no SUB received")
		return subscription{}
	}
}

func (sub subscription) publish(payload string) {
	sub.conn.write("MSG %s %s %d\r\n%s\r\n", sub.subject, sub.sid, len(payload), payload)
}

func connectTo(t *testing.T, ctx context.Context, srv *fakeServer) *Channel {
	t.Helper()
	c := New(srv.url(), 20*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ready := make(chan struct{})
	require.NoError(t, c.Connect(ctx, func() { close(ready) }))
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("channel never became ready")
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectSubscribeDeliver(t *testing.T) {
	srv := startFakeServer(t)
	c := connectTo(t, context.Background(), srv)

	got := make(chan string, 4)
	handle, err := c.Subscribe("vehicles", func(data []byte) { got <- string(data) })
	require.NoError(t, err)

	sub := srv.nextSub(t)
	assert.Equal(t, "vehicles", sub.subject)
	sub.publish(`[{"id":"1"}]`)

	select {
	case payload := <-got:
		assert.Equal(t, `[{"id":"1"}]`, payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	require.NoError(t, handle.Unsubscribe())
}

func TestReconnectRestoresSubscription(t *testing.T) {
	srv := startFakeServer(t)
	c := connectTo(t, context.Background(), srv)

	var mu sync.Mutex
	var transitions []bool
	c.OnStatus(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	got := make(chan string, 4)
	_, err := c.Subscribe("vehicles", func(data []byte) { got <- string(data) })
	require.NoError(t, err)
	srv.nextSub(t)

	srv.dropClients()
	resub := srv.nextSub(t)
	assert.Equal(t, "vehicles", resub.subject)
	resub.publish("after")

	select {
	case payload := <-got:
		assert.Equal(t, "after", payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered after reconnect")
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 2 && !transitions[0] && transitions[len(transitions)-1]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStaleContextDoesNotCloseNewerConnection(t *testing.T) {
	srv := startFakeServer(t)
	first, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	c := connectTo(t, first, srv)
	require.NoError(t, c.Close())

	ready := make(chan struct{})
	require.NoError(t, c.Connect(context.Background(), func() { close(ready) }))
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never became ready")
	}

	cancelFirst()
	assert.Never(t, func() bool { return !c.state.Connected() }, 200*time.Millisecond, 10*time.Millisecond)
	_, err := c.Subscribe("vehicles", func([]byte) {})
	assert.NoError(t, err)
}

func TestContextCancelClosesConnection(t *testing.T) {
	srv := startFakeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := connectTo(t, ctx, srv)

	cancel()
	assert.Eventually(t, func() bool { return !c.state.Connected() }, 5*time.Second, 10*time.Millisecond)
	_, err := c.Subscribe("vehicles", func([]byte) {})
	assert.ErrorIs(t, err, telemetry.ErrNotConnected)
}
