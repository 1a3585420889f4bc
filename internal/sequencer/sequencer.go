// Package sequencer implements the Sequencer: the single authority
// that hands out a totally-ordered, strictly-monotone per-table
// version number to every BeginTx.
package sequencer

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/txvn"
)

// ErrVersionOverflow is returned (and is fatal for the calling
// connection) when a table's counter would wrap past math.MaxUint64.
var ErrVersionOverflow = errors.New("sequencer: table version counter overflowed")

// Sequencer holds the per-table next-version counters and the
// block/unblock admission gate.
type Sequencer struct {
	mu        sync.Mutex
	counters  map[string]uint64
	blocked   bool
	unblockCh chan struct{}
}

// New returns a Sequencer with empty counters and the admission gate
// open.
func New() *Sequencer {
	return &Sequencer{counters: make(map[string]uint64)}
}

// Block closes the admission gate: RequestTxVN suspends until Unblock.
func (s *Sequencer) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked {
		return
	}
	s.blocked = true
	s.unblockCh = make(chan struct{})
}

// Unblock reopens the admission gate, releasing any suspended callers.
func (s *Sequencer) Unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.blocked {
		return
	}
	s.blocked = false
	close(s.unblockCh)
}

func (s *Sequencer) waitUnblocked(ctx context.Context) error {
	s.mu.Lock()
	if !s.blocked {
		s.mu.Unlock()
		return nil
	}
	gate := s.unblockCh
	s.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestTxVN admits one BeginTx, assigning each distinct table it
// touches the counter's current value and advancing that counter by
// one, as a single step relative to other concurrent callers.
// Duplicate tables in BeginTx.TableOps collapse to their first
// occurrence.
func (s *Sequencer) RequestTxVN(ctx context.Context, meta txvn.ClientMeta, begin msql.BeginTx) (txvn.TxVN, error) {
	if err := s.waitUnblocked(ctx); err != nil {
		return txvn.TxVN{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(begin.TableOps))
	tvns := make([]txvn.TxTableVN, 0, len(begin.TableOps))
	for _, top := range begin.TableOps {
		if _, ok := seen[top.Table]; ok {
			continue
		}
		seen[top.Table] = struct{}{}
		vn := s.counters[top.Table]
		if vn == math.MaxUint64 {
			return txvn.TxVN{}, ErrVersionOverflow
		}
		s.counters[top.Table] = vn + 1
		tvns = append(tvns, txvn.TxTableVN{Table: top.Table, VN: vn, Op: top.Op})
	}

	return txvn.New(begin.Name, tvns)
}
