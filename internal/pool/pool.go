// Package pool manages the bounded set of long-lived streaming
// connections to each worker, one pool per worker: an idle set, a
// lent-out set, and a FIFO waiter queue for callers blocked on
// Acquire, plus background reconnect-with-backoff when a stream is
// evicted.
package pool

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wiredfox/comfymw/pkg/types"
)

// ErrPoolClosed is returned by Acquire once Close has been called.
var ErrPoolClosed = errPoolClosed{}

type errPoolClosed struct{}

func (errPoolClosed) Error() string { return "pool: closed" }

// ErrAcquireTimeout is returned when no stream becomes available before
// the configured acquire deadline.
var ErrAcquireTimeout = errAcquireTimeout{}

type errAcquireTimeout struct{}

func (errAcquireTimeout) Error() string { return "pool: acquire timed out" }

// Config tunes one worker's pool.
type Config struct {
	MaxStreams           int
	AcquireTimeout       time.Duration
	ConnectTimeout       time.Duration
	HealthTick           time.Duration
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxStreams <= 0 {
		c.MaxStreams = 3
	}
	if c.MaxStreams > 10 {
		c.MaxStreams = 10
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HealthTick <= 0 {
		c.HealthTick = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	return c
}

// Stream is one lent streaming connection to a worker.
type Stream struct {
	ID        string
	Worker    types.WorkerID
	conn      *websocket.Conn
	createdAt time.Time
	lastUsed  time.Time
	useCount  int
}

// ReadMessage blocks for the next textual or binary frame, mirroring the
// execution protocol's requirement to ignore binary frames and observe
// text frames in arrival order.
func (s *Stream) ReadMessage() (messageType int, payload []byte, err error) {
	return s.conn.ReadMessage()
}

// Pool lends Stream instances to callers, one at a time, up to a capped
// concurrent count per worker.
type Pool struct {
	cfg    Config
	worker types.Worker
	log    *slog.Logger

	mu      sync.Mutex
	idle    []*Stream
	lentOut map[string]*Stream
	waiters []chan *Stream
	opened  int
	closed  bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a pool for one worker; no connections are opened eagerly.
func New(worker types.Worker, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		worker:  worker,
		log:     slog.Default().With("component", "pool", "worker", worker.ID),
		lentOut: make(map[string]*Stream),
		stopCh:  make(chan struct{}),
	}
}

// Acquire lends an idle stream or opens a new one up to the cap; it
// blocks on the FIFO waiter queue if the pool is saturated, failing
// after Config.AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Stream, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.lentOut[s.ID] = s
		p.mu.Unlock()
		return s, nil
	}
	if p.opened < p.cfg.MaxStreams {
		p.opened++
		p.mu.Unlock()
		s, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.opened--
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		p.lentOut[s.ID] = s
		p.mu.Unlock()
		return s, nil
	}

	ch := make(chan *Stream, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case s, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return s, nil
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a stream to the idle set, handing it directly to a
// waiter if any are queued.
func (p *Pool) Release(s *Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.lentOut, s.ID)
	s.useCount++
	s.lastUsed = time.Now()

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.lentOut[s.ID] = s
		ch <- s
		return
	}
	if p.closed {
		s.conn.Close()
		p.opened--
		return
	}
	p.idle = append(p.idle, s)
}

// Evict removes a stream permanently (e.g. the caller observed an
// unexpected close) and schedules a replacement reconnect.
func (p *Pool) Evict(s *Stream) {
	p.mu.Lock()
	delete(p.lentOut, s.ID)
	for i, idle := range p.idle {
		if idle == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.opened--
	p.mu.Unlock()
	s.conn.Close()
	go p.reconnect()
}

// reconnect retries opening a replacement stream with exponential
// backoff (1s·2^(attempt-1), capped at 30s) up to MaxReconnectAttempts.
// A successful reconnect hands the new stream to the longest-waiting
// Acquire caller, or else returns it to the idle set.
func (p *Pool) reconnect() {
	for attempt := 1; attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-p.stopCh:
			return
		case <-time.After(backoff):
		}

		p.mu.Lock()
		if p.closed || p.opened >= p.cfg.MaxStreams {
			p.mu.Unlock()
			return
		}
		p.opened++
		p.mu.Unlock()

		s, err := p.dial(context.Background())
		if err != nil {
			p.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			p.mu.Lock()
			p.opened--
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.opened--
			p.mu.Unlock()
			s.conn.Close()
			return
		}
		if len(p.waiters) > 0 {
			ch := p.waiters[0]
			p.waiters = p.waiters[1:]
			p.lentOut[s.ID] = s
			p.mu.Unlock()
			ch <- s
			return
		}
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}
	p.log.Warn("reconnect attempts exhausted", "worker", p.worker.ID)
}

// Close shuts the pool down; outstanding and future Acquire calls fail.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, s := range idle {
		s.conn.Close()
	}
	for _, ch := range waiters {
		close(ch)
	}
}

// RunHealthTicks periodically pings idle streams, feeding failures into
// the supplied callback (wired by the caller to the health monitor's
// MarkUnhealthy). Blocks until the pool is closed or ctx is cancelled.
func (p *Pool) RunHealthTicks(ctx context.Context, onFailure func()) {
	ticker := time.NewTicker(p.cfg.HealthTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pingIdle(onFailure)
		}
	}
}

func (p *Pool) pingIdle(onFailure func()) {
	p.mu.Lock()
	streams := append([]*Stream(nil), p.idle...)
	p.mu.Unlock()

	for _, s := range streams {
		if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			p.log.Warn("stream heartbeat failed", "stream", s.ID)
			p.Evict(s)
			if onFailure != nil {
				onFailure()
			}
		}
	}
}

func (p *Pool) dial(ctx context.Context) (*Stream, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: p.cfg.ConnectTimeout,
	}
	url := p.worker.WSURL() + "/ws?clientId=" + NewClientToken()

	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dctx, url, http.Header{})
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return &Stream{
		ID:        NewClientToken(),
		Worker:    p.worker.ID,
		conn:      conn,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}, nil
}
