package sequencer

import (
	"fmt"
	"net"
	"sync"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/txvn"
	"github.com/o2versioner/coordinator/internal/wire"
)

// Pool is the Scheduler-side pooled TCP connection to the Sequencer.
// One connection is checked out per RequestTxVN and returned
// afterward; a connection that errors is dropped rather than returned
// to the pool.
type Pool struct {
	addr string
	mu   sync.Mutex
	idle []net.Conn
	max  int
}

func NewPool(addr string, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Pool{addr: addr, max: maxSize}
}

func (p *Pool) checkout() (net.Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return net.Dial("tcp", p.addr)
}

func (p *Pool) release(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.max {
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
}

// RequestTxVN performs one BeginTx round trip against the pooled
// Sequencer connection.
func (p *Pool) RequestTxVN(meta txvn.ClientMeta, begin msql.BeginTx) (txvn.TxVN, error) {
	conn, err := p.checkout()
	if err != nil {
		return txvn.TxVN{}, wire.NewError(wire.SequencerUnavailable, "dial sequencer: %v", err)
	}
	dto := wire.MsqlToDTO(begin)
	req := wire.SequencerRequest{
		Type:       wire.SequencerRequestTxVN,
		ClientMeta: wire.ClientMetaToDTO(meta),
		BeginTx:    &dto,
	}
	if err := wire.WriteFrame(conn, req); err != nil {
		conn.Close()
		return txvn.TxVN{}, wire.NewError(wire.SequencerUnavailable, "write begin_tx: %v", err)
	}
	var reply wire.SequencerReply
	if err := wire.ReadFrame(conn, &reply); err != nil {
		conn.Close()
		return txvn.TxVN{}, wire.NewError(wire.SequencerUnavailable, "read tx_vn reply: %v", err)
	}
	p.release(conn)
	if reply.TxVN == nil {
		return txvn.TxVN{}, wire.NewError(wire.SequencerUnavailable, "sequencer rejected begin: %s", reply.Msg)
	}
	v, err := wire.TxVNFromDTO(*reply.TxVN)
	if err != nil {
		return txvn.TxVN{}, wire.NewError(wire.SequencerUnavailable, "decode tx_vn: %v", err)
	}
	return v, nil
}

// adminRoundTrip sends a Block/Unblock/Stop control message and returns
// the Sequencer's ack message.
func (p *Pool) adminRoundTrip(reqType string) (string, error) {
	conn, err := p.checkout()
	if err != nil {
		return "", fmt.Errorf("sequencer: dial: %w", err)
	}
	defer conn.Close()
	if err := wire.WriteFrame(conn, wire.SequencerRequest{Type: reqType}); err != nil {
		return "", fmt.Errorf("sequencer: write %s: %w", reqType, err)
	}
	var reply wire.SequencerReply
	if err := wire.ReadFrame(conn, &reply); err != nil {
		return "", fmt.Errorf("sequencer: read %s reply: %w", reqType, err)
	}
	return reply.Msg, nil
}

func (p *Pool) Block() (string, error)   { return p.adminRoundTrip(wire.SequencerRequestBlock) }
func (p *Pool) Unblock() (string, error) { return p.adminRoundTrip(wire.SequencerRequestUnblock) }
func (p *Pool) Stop() (string, error)    { return p.adminRoundTrip(wire.SequencerRequestStop) }

// Close drops every idle pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}
