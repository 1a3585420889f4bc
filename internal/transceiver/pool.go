package transceiver

import (
	"context"
	"fmt"
	"log"

	"github.com/o2versioner/coordinator/internal/wire"
)

// Pool owns one Transceiver per replica address and implements
// dispatcher.ReplicaLink, so the Dispatcher never has to know about
// connection lifecycle at all.
type Pool struct {
	links map[string]*Transceiver
}

// NewPool starts one Transceiver per address in addrs.
func NewPool(addrs []string, queueSize int, logger *log.Logger) *Pool {
	p := &Pool{links: make(map[string]*Transceiver, len(addrs))}
	for _, addr := range addrs {
		p.links[addr] = New(addr, queueSize, logger)
	}
	return p
}

func (p *Pool) link(replica string) (*Transceiver, error) {
	t, ok := p.links[replica]
	if !ok {
		return nil, fmt.Errorf("transceiver pool: unknown replica %q", replica)
	}
	return t, nil
}

func (p *Pool) SendQuery(ctx context.Context, replica string, req wire.MsqlRequest) (wire.MsqlResponseWire, error) {
	t, err := p.link(replica)
	if err != nil {
		return wire.MsqlResponseWire{}, err
	}
	return t.SendQuery(ctx, req)
}

func (p *Pool) SendRelease(ctx context.Context, replica string, req wire.DbVNReleaseRequest) (wire.DbVNReleaseReply, error) {
	t, err := p.link(replica)
	if err != nil {
		return wire.DbVNReleaseReply{}, err
	}
	return t.SendRelease(ctx, req)
}

// Close stops every Transceiver in the pool.
func (p *Pool) Close() {
	for _, t := range p.links {
		t.Close()
	}
}
