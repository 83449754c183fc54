// Package session runs the streaming caption protocol over one WebSocket
// connection.
//
// Inbound binary messages are images. Each image is captioned in turn and
// the caption is streamed back as text messages, one per fragment, followed
// by a single "<EOM>" text message. Text messages from the peer are logged
// and otherwise ignored. A close message ends the session gracefully; any
// read or write failure ends it abruptly.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cozy-creator/caption-server/internal/services/captioning"
	"github.com/cozy-creator/caption-server/internal/types"

	"github.com/coder/websocket"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrTransport = errors.New("transport failure")

	errPeerClosed = errors.New("peer closed the connection")
)

const outboxSize = 64

// Transport is the connection half used by a session. *websocket.Conn
// implements it.
type Transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

type Captioner interface {
	Run(ctx context.Context, req captioning.Request, emit captioning.EmitFunc) (*captioning.Result, error)
}

type Options struct {
	RemoteAddr  string
	UserAgent   string
	PingTimeout time.Duration
}

type Session struct {
	ID string

	conn      Transport
	captioner Captioner
	opts      Options
	logger    *zap.Logger

	state   atomic.Int32
	pending atomic.Int32
	outbox  chan string
	jobs    *workerpool.WorkerPool
}

func New(conn Transport, captioner Captioner, opts Options, logger *zap.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		conn:      conn,
		captioner: captioner,
		opts:      opts,
		logger: logger.Named("session").With(
			zap.String("session_id", id),
			zap.String("remote_addr", opts.RemoteAddr),
		),
		outbox: make(chan string, outboxSize),
	}
	s.setState(StateConnecting)

	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Serve runs the session until the peer closes the connection, the transport
// fails or ctx is cancelled. It returns nil after a graceful close and an
// error wrapping ErrTransport after a failure.
func (s *Session) Serve(ctx context.Context) error {
	s.setState(StateOpen)
	s.logger.Info("connected", zap.String("user_agent", s.opts.UserAgent))
	defer s.logger.Info("context destroyed")

	s.jobs = workerpool.New(1)

	// Cancelling a read or write context drops the connection without a
	// close handshake, so frame I/O runs on a context only teardown can end.
	ioCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.send(gctx, ioCtx) })
	g.Go(func() error { return s.receive(gctx, ioCtx) })
	g.Go(func() error {
		<-gctx.Done()
		s.teardown(ctx, context.Cause(gctx))
		return nil
	})

	pinged := make(chan struct{})
	go func() {
		defer close(pinged)
		s.ping(gctx)
	}()

	err := g.Wait()
	s.jobs.Stop()
	<-pinged
	s.setState(StateClosed)

	switch {
	case ctx.Err() != nil, err == nil, errors.Is(err, errPeerClosed):
		return nil
	default:
		s.logger.Warn("connection lost", zap.Error(err))
		return err
	}
}

// teardown ends the connection once the session stops. A server shutdown
// performs the close handshake with "going away"; a transport failure drops
// the connection. After a peer close the handshake has already happened.
func (s *Session) teardown(ctx context.Context, cause error) {
	switch {
	case ctx.Err() != nil:
		s.setState(StateClosing)
		s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	case errors.Is(cause, errPeerClosed):
	default:
		s.conn.CloseNow()
	}
}

// send owns the write half: it is the only goroutine that writes data
// frames.
func (s *Session) send(ctx, ioCtx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.outbox:
			if err := s.conn.Write(ioCtx, websocket.MessageText, []byte(msg)); err != nil {
				return fmt.Errorf("%w: write: %w", ErrTransport, err)
			}
		}
	}
}

func (s *Session) receive(ctx, ioCtx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ioCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				s.setState(StateClosing)
				s.logger.Info("close received",
					zap.Int("code", int(closeErr.Code)),
					zap.String("reason", closeErr.Reason),
				)
				return errPeerClosed
			}

			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}

		switch typ {
		case websocket.MessageBinary:
			s.enqueue(ctx, data)
		case websocket.MessageText:
			s.logger.Info("text received", zap.String("text", string(data)))
		}
	}
}

// enqueue schedules a caption job. Jobs run one at a time in arrival order.
func (s *Session) enqueue(ctx context.Context, image []byte) {
	s.pending.Add(1)
	req := captioning.Request{ID: uuid.NewString(), Image: image}
	s.logger.Debug("image received", zap.String("request_id", req.ID), zap.Int("bytes", len(image)))

	s.jobs.Submit(func() {
		defer func() {
			if s.pending.Add(-1) == 0 {
				s.state.CompareAndSwap(int32(StateStreaming), int32(StateOpen))
			}
		}()
		s.caption(ctx, req)
	})
}

func (s *Session) caption(ctx context.Context, req captioning.Request) {
	if ctx.Err() != nil {
		return
	}
	s.state.CompareAndSwap(int32(StateOpen), int32(StateStreaming))

	err := s.run(ctx, req)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Error("caption failed", zap.String("request_id", req.ID), zap.Error(err))
	}

	s.push(ctx, types.EndOfMessage)
}

// run captions one image. A panic in the pipeline fails only this request.
func (s *Session) run(ctx context.Context, req captioning.Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("caption panicked: %v", p)
		}
	}()

	_, err = s.captioner.Run(ctx, req, func(fragment string) error {
		return s.push(ctx, fragment)
	})
	return err
}

func (s *Session) push(ctx context.Context, msg string) error {
	select {
	case s.outbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ping sends the initial ping and logs the matching pong.
func (s *Session) ping(ctx context.Context) {
	timeout := s.opts.PingTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := s.conn.Ping(pctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("no pong received", zap.Error(err))
		}
		return
	}
	s.logger.Debug("pong received", zap.Duration("rtt", time.Since(start)))
}
