// Package transceiver maintains one persistent, framed TCP connection
// per DB-proxy replica: reconnect with exponential backoff, a bounded
// send queue that rejects with Backpressure when full, and reply
// correlation by (client_addr, request_id) rather than by arrival
// order, since the connection guarantees FIFO of writes but replies
// may come back out of order. A release envelope carries no request
// id (the DB proxy has no finer-grained notion of a per-table commit
// to tag one with), so release acks are matched FIFO among themselves.
package transceiver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/o2versioner/coordinator/internal/config"
	"github.com/o2versioner/coordinator/internal/wire"
)

// State is the Transceiver's connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	default:
		return "Disconnected"
	}
}

type sendJob struct {
	env    wire.DbProxyEnvelope
	waiter chan result
}

type result struct {
	env wire.DbProxyReplyEnvelope
	err error
}

// correlationKey identifies one outstanding MsqlRequest, matching
// wire.RequestMeta's (client_addr, request_id) pair.
type correlationKey struct {
	clientAddr string
	requestID  uint64
}

// Transceiver owns the connection to one replica DB proxy.
type Transceiver struct {
	addr string
	log  *log.Logger

	mu             sync.Mutex
	st             State
	conn           net.Conn
	pending        map[correlationKey]chan result
	pendingRelease []chan result // release acks carry no correlation key; matched FIFO

	queue  chan sendJob
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New starts a Transceiver that dials addr in the background, retrying
// with the configured backoff schedule until Close is called.
func New(addr string, queueSize int, logger *log.Logger) *Transceiver {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	t := &Transceiver{
		addr:    addr,
		log:     logger,
		pending: make(map[correlationKey]chan result),
		queue:   make(chan sendJob, queueSize),
		closed:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Transceiver) setState(s State) {
	t.mu.Lock()
	t.st = s
	t.mu.Unlock()
}

// State reports the Transceiver's current lifecycle phase.
func (t *Transceiver) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

// Close transitions to Closing, drops the connection and fails every
// outstanding send; the background goroutine exits once it notices.
func (t *Transceiver) Close() {
	t.once.Do(func() {
		t.setState(Closing)
		close(t.closed)
	})
	t.wg.Wait()
}

// run owns the connect/reconnect loop and, once connected, spawns the
// paired reader/writer subtasks and waits for either to fail before
// looping back to reconnect (or exiting if Closing).
func (t *Transceiver) run() {
	defer t.wg.Done()
	backoff := config.TransceiverInitialBackoff
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		t.setState(Connecting)
		conn, err := net.Dial("tcp", t.addr)
		if err != nil {
			t.log.Printf("transceiver %s: dial: %v", t.addr, err)
			select {
			case <-time.After(backoff):
			case <-t.closed:
				return
			}
			backoff *= 2
			if backoff > config.TransceiverMaxBackoff {
				backoff = config.TransceiverMaxBackoff
			}
			continue
		}
		backoff = config.TransceiverInitialBackoff

		t.mu.Lock()
		t.conn = conn
		t.st = Connected
		t.mu.Unlock()

		done := make(chan struct{})
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			t.reader(conn, done)
		}()
		t.writer(conn, done, readerDone)

		t.failAllPending(errors.New("transceiver: connection lost"))
		conn.Close()

		select {
		case <-t.closed:
			return
		default:
		}
		t.setState(Disconnected)
	}
}

// writer drains the send queue onto conn until a write fails, the
// reader stops (readerDone closed), or the Transceiver is closed; done
// is closed to signal the reader to stop as well. Every job is
// registered for correlation before it is written, so a reply racing
// the write is never missed.
func (t *Transceiver) writer(conn net.Conn, done chan struct{}, readerDone <-chan struct{}) {
	defer close(done)
	for {
		select {
		case <-readerDone:
			return
		case job, ok := <-t.queue:
			if !ok {
				return
			}
			t.registerPending(job)
			if err := wire.WriteFrame(conn, job.env); err != nil {
				job.waiter <- result{err: fmt.Errorf("transceiver: write: %w", err)}
				return
			}
		case <-done:
			return
		case <-t.closed:
			return
		}
	}
}

// registerPending records job's waiter under the key the reader will
// look it up by once its reply arrives: (client_addr, request_id) for
// an MsqlRequest, or FIFO order for a release (which carries no
// correlation key on the wire).
func (t *Transceiver) registerPending(job sendJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch job.env.Type {
	case wire.DbProxyEnvelopeRequest:
		meta := job.env.Request.Meta
		t.pending[correlationKey{clientAddr: meta.ClientAddr, requestID: meta.RequestID}] = job.waiter
	case wire.DbProxyEnvelopeRelease:
		t.pendingRelease = append(t.pendingRelease, job.waiter)
	}
}

// reader delivers each decoded reply to the waiter its correlation key
// matches; a reply whose key has no registered waiter is logged and
// dropped rather than misdelivered to an unrelated caller. An error
// (including EOF) ends the connection.
func (t *Transceiver) reader(conn net.Conn, done chan struct{}) {
	for {
		var env wire.DbProxyReplyEnvelope
		if err := wire.ReadFrame(conn, &env); err != nil {
			return
		}
		waiter, ok := t.matchPending(env)
		if !ok {
			t.log.Printf("transceiver %s: reply %q with no matching pending request, dropping", t.addr, env.Type)
			continue
		}
		waiter <- result{env: env}

		select {
		case <-done:
			return
		default:
		}
	}
}

func (t *Transceiver) matchPending(env wire.DbProxyReplyEnvelope) (chan result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch env.Type {
	case wire.DbProxyReplyResponse:
		if env.Response == nil {
			return nil, false
		}
		key := correlationKey{clientAddr: env.Response.ClientAddr, requestID: env.Response.RequestID}
		waiter, ok := t.pending[key]
		if ok {
			delete(t.pending, key)
		}
		return waiter, ok
	case wire.DbProxyReplyReleaseAck:
		if len(t.pendingRelease) == 0 {
			return nil, false
		}
		waiter := t.pendingRelease[0]
		t.pendingRelease = t.pendingRelease[1:]
		return waiter, true
	default:
		return nil, false
	}
}

func (t *Transceiver) failAllPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[correlationKey]chan result)
	releases := t.pendingRelease
	t.pendingRelease = nil
	t.mu.Unlock()
	for _, w := range pending {
		w <- result{err: err}
	}
	for _, w := range releases {
		w <- result{err: err}
	}
}

// send enqueues env and blocks for its matched reply, failing fast with
// Backpressure if the bounded queue is full.
func (t *Transceiver) send(ctx context.Context, env wire.DbProxyEnvelope) (wire.DbProxyReplyEnvelope, error) {
	waiter := make(chan result, 1)
	select {
	case t.queue <- sendJob{env: env, waiter: waiter}:
	default:
		return wire.DbProxyReplyEnvelope{}, wire.NewError(wire.Backpressure, "transceiver %s: send queue full", t.addr)
	}
	select {
	case r := <-waiter:
		if r.err != nil {
			return wire.DbProxyReplyEnvelope{}, wire.NewError(wire.BackendUnreachable, "transceiver %s: %v", t.addr, r.err)
		}
		return r.env, nil
	case <-ctx.Done():
		return wire.DbProxyReplyEnvelope{}, wire.NewError(wire.Cancelled, "transceiver %s: %v", t.addr, ctx.Err())
	case <-t.closed:
		return wire.DbProxyReplyEnvelope{}, wire.NewError(wire.BackendUnreachable, "transceiver %s: closing", t.addr)
	}
}

// SendQuery issues an MsqlRequest and waits for its MsqlResponseWire.
func (t *Transceiver) SendQuery(ctx context.Context, req wire.MsqlRequest) (wire.MsqlResponseWire, error) {
	reply, err := t.send(ctx, wire.DbProxyEnvelope{Type: wire.DbProxyEnvelopeRequest, Request: &req})
	if err != nil {
		return wire.MsqlResponseWire{}, err
	}
	if reply.Type != wire.DbProxyReplyResponse || reply.Response == nil {
		return wire.MsqlResponseWire{}, wire.NewError(wire.ProtocolViolation, "transceiver %s: expected msql_response, got %q", t.addr, reply.Type)
	}
	return *reply.Response, nil
}

// SendRelease issues a DbVNReleaseRequest and waits for its ack.
func (t *Transceiver) SendRelease(ctx context.Context, req wire.DbVNReleaseRequest) (wire.DbVNReleaseReply, error) {
	reply, err := t.send(ctx, wire.DbProxyEnvelope{Type: wire.DbProxyEnvelopeRelease, Release: &req})
	if err != nil {
		return wire.DbVNReleaseReply{}, err
	}
	if reply.Type != wire.DbProxyReplyReleaseAck || reply.Release == nil {
		return wire.DbVNReleaseReply{}, wire.NewError(wire.ProtocolViolation, "transceiver %s: expected release_ack, got %q", t.addr, reply.Type)
	}
	return *reply.Release, nil
}
