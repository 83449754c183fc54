package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cozy-creator/caption-server/internal/services/captioning"
	"github.com/cozy-creator/caption-server/internal/types"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type frame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type fakeConn struct {
	inbound chan frame
	writes  chan string
	done    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	written   []string
	failWrite error
	pings     int
	closed    *websocket.StatusCode
	killed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan frame, 16),
		writes:  make(chan string, 64),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) shut() {
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.done:
		return 0, nil, net.ErrClosed
	case f := <-c.inbound:
		return f.typ, f.data, f.err
	}
}

func (c *fakeConn) Write(_ context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite != nil {
		return c.failWrite
	}
	if typ != websocket.MessageText {
		return errors.New("unexpected binary write")
	}
	c.written = append(c.written, string(p))
	c.writes <- string(p)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = &code
	c.shut()
	return nil
}

func (c *fakeConn) CloseNow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = true
	c.shut()
	return nil
}

func (c *fakeConn) sendImage(data string) {
	c.inbound <- frame{typ: websocket.MessageBinary, data: []byte(data)}
}

func (c *fakeConn) sendClose() {
	c.inbound <- frame{err: websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "bye"}}
}

func (c *fakeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-c.writes:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outbound message")
		return ""
	}
}

// echoCaptioner emits the image payload split into two fragments.
type echoCaptioner struct {
	mu     sync.Mutex
	seen   []string
	fail   bool
	panics bool
	block  chan struct{}
}

func (e *echoCaptioner) Run(ctx context.Context, req captioning.Request, emit captioning.EmitFunc) (*captioning.Result, error) {
	e.mu.Lock()
	e.seen = append(e.seen, string(req.Image))
	panics := e.panics
	e.mu.Unlock()

	if err := emit(string(req.Image) + "-1"); err != nil {
		return nil, err
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.fail {
		return nil, errors.New("inference failed")
	}
	if panics {
		panic("nil progress bar")
	}
	if err := emit(string(req.Image) + "-2"); err != nil {
		return nil, err
	}
	return &captioning.Result{Tokens: 2}, nil
}

func serve(t *testing.T, ctx context.Context, conn *fakeConn, c Captioner) (*Session, chan error) {
	t.Helper()
	s := New(conn, c, Options{RemoteAddr: "127.0.0.1:9999", PingTimeout: time.Second}, zaptest.NewLogger(t))
	assert.Equal(t, StateConnecting, s.State())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	return s, done
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionStreamsFragmentsThenEOM(t *testing.T) {
	conn := newFakeConn()
	s, done := serve(t, context.Background(), conn, &echoCaptioner{})

	conn.sendImage("img")
	assert.Equal(t, "img-1", conn.next(t))
	assert.Equal(t, "img-2", conn.next(t))
	assert.Equal(t, types.EndOfMessage, conn.next(t))

	require.Eventually(t, func() bool { return s.State() == StateOpen }, time.Second, 10*time.Millisecond)

	conn.sendClose()
	require.NoError(t, wait(t, done))
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, conn.killed)
}

func TestSessionServesImagesInArrivalOrder(t *testing.T) {
	conn := newFakeConn()
	captioner := &echoCaptioner{block: make(chan struct{})}
	_, done := serve(t, context.Background(), conn, captioner)

	conn.sendImage("a")
	assert.Equal(t, "a-1", conn.next(t))

	conn.sendImage("b")
	conn.sendImage("c")
	close(captioner.block)

	want := []string{"a-2", types.EndOfMessage, "b-1", "b-2", types.EndOfMessage, "c-1", "c-2", types.EndOfMessage}
	for _, w := range want {
		assert.Equal(t, w, conn.next(t))
	}

	conn.sendClose()
	require.NoError(t, wait(t, done))
	assert.Equal(t, []string{"a", "b", "c"}, captioner.seen)
}

func TestSessionSendsEOMAfterPipelineFailure(t *testing.T) {
	conn := newFakeConn()
	s, done := serve(t, context.Background(), conn, &echoCaptioner{fail: true})

	conn.sendImage("x")
	assert.Equal(t, "x-1", conn.next(t))
	assert.Equal(t, types.EndOfMessage, conn.next(t))

	require.Eventually(t, func() bool { return s.State() == StateOpen }, time.Second, 10*time.Millisecond)

	conn.sendClose()
	require.NoError(t, wait(t, done))
}

func TestSessionSurvivesPipelinePanic(t *testing.T) {
	conn := newFakeConn()
	captioner := &echoCaptioner{panics: true}
	s, done := serve(t, context.Background(), conn, captioner)

	conn.sendImage("x")
	assert.Equal(t, "x-1", conn.next(t))
	assert.Equal(t, types.EndOfMessage, conn.next(t))

	captioner.mu.Lock()
	captioner.panics = false
	captioner.mu.Unlock()

	conn.sendImage("y")
	assert.Equal(t, "y-1", conn.next(t))
	assert.Equal(t, "y-2", conn.next(t))
	assert.Equal(t, types.EndOfMessage, conn.next(t))

	require.Eventually(t, func() bool { return s.State() == StateOpen }, time.Second, 10*time.Millisecond)
	conn.sendClose()
	require.NoError(t, wait(t, done))
}

func TestSessionTextFramesAreIgnored(t *testing.T) {
	conn := newFakeConn()
	_, done := serve(t, context.Background(), conn, &echoCaptioner{})

	conn.inbound <- frame{typ: websocket.MessageText, data: []byte("hello")}
	conn.sendClose()
	require.NoError(t, wait(t, done))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Empty(t, conn.written)
}

func TestSessionWriteFailureTearsDown(t *testing.T) {
	conn := newFakeConn()
	conn.failWrite = errors.New("broken pipe")
	captioner := &echoCaptioner{block: make(chan struct{})}
	s, done := serve(t, context.Background(), conn, captioner)

	conn.sendImage("img")

	err := wait(t, done)
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateClosed, s.State())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.killed)
	assert.Nil(t, conn.closed)
	assert.Empty(t, conn.written)
}

func TestSessionReadFailureTearsDown(t *testing.T) {
	conn := newFakeConn()
	_, done := serve(t, context.Background(), conn, &echoCaptioner{})

	conn.inbound <- frame{err: errors.New("connection reset by peer")}

	require.ErrorIs(t, wait(t, done), ErrTransport)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.killed)
}

func TestSessionShutdown(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	_, done := serve(t, ctx, conn, &echoCaptioner{block: make(chan struct{})})

	conn.sendImage("img")
	assert.Equal(t, "img-1", conn.next(t))
	cancel()

	require.NoError(t, wait(t, done))
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotNil(t, conn.closed)
	assert.Equal(t, websocket.StatusGoingAway, *conn.closed)
	assert.NotContains(t, conn.written, types.EndOfMessage)
}

func TestSessionPingsOnOpen(t *testing.T) {
	conn := newFakeConn()
	_, done := serve(t, context.Background(), conn, &echoCaptioner{})

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.pings == 1
	}, time.Second, 10*time.Millisecond)

	conn.sendClose()
	require.NoError(t, wait(t, done))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "unknown", State(42).String())
}
