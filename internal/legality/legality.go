// Package legality implements the Scheduler's pure legality check:
// given the request about to be handled and the session's current
// TxVN (if any), decide whether it may proceed.
package legality

import (
	"fmt"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/txvn"
)

// Verdict is the outcome of a legality check.
type Verdict uint8

const (
	// Legal: the request may proceed.
	Legal Verdict = iota
	// Critical: reject this one request with an error reply; the
	// session stays alive.
	Critical
	// Panic: a programming invariant was violated upstream (e.g. a
	// write fast path failed to synthesize its BeginTx). The caller
	// should abort rather than continue.
	Panic
)

// Outcome is the result of Check: a Verdict plus, for Critical/Panic, a
// human-readable message.
type Outcome struct {
	Verdict Verdict
	Msg     string
}

func legal() Outcome              { return Outcome{Verdict: Legal} }
func critical(msg string) Outcome { return Outcome{Verdict: Critical, Msg: msg} }
func panicOutcome(msg string) Outcome { return Outcome{Verdict: Panic, Msg: msg} }

// Check applies the legality table to one request. curTxVN is nil when
// the session has no open transaction.
func Check(m msql.Msql, curTxVN *txvn.TxVN) Outcome {
	switch req := m.(type) {
	case msql.BeginTx:
		return checkBeginTx(req, curTxVN)
	case msql.Query:
		return checkQuery(req, curTxVN)
	case msql.EndTx:
		return checkEndTx(curTxVN)
	default:
		return critical(fmt.Sprintf("legality: unknown Msql variant %T", m))
	}
}

func checkBeginTx(req msql.BeginTx, curTxVN *txvn.TxVN) Outcome {
	if curTxVN != nil {
		return critical("previous tx not finished")
	}
	// A transaction's own TableOps may be Mixed: TxVN holds one
	// TxTableVN per table, each carrying its own R/W op independently.
	// The "no Mixed" restriction applies to a single Query's TableOps
	// (checkQuery below), not to the set of tables a transaction
	// declares up front.
	return legal()
}

func checkQuery(req msql.Query, curTxVN *txvn.TxVN) Outcome {
	pattern := req.TableOps.AccessPattern()
	if pattern == msql.Mixed {
		return critical("does not support query with mixed R and W")
	}
	if curTxVN == nil {
		switch pattern {
		case msql.ReadOnly:
			// Optimized single read: legal with no enclosing transaction.
			return legal()
		default:
			// The single-write fast path must have synthesized a BeginTx
			// before reaching here; arriving with no cur_txvn is a bug.
			return panicOutcome("WriteOnly query with no cur_txvn reached the legality checker; single-write fast path must wrap it in BeginTx/EndTx")
		}
	}

	for _, t := range req.TableOps.Tables() {
		if _, ok := curTxVN.Lookup(t); !ok {
			return critical(fmt.Sprintf("table %q not held by the current transaction", t))
		}
	}

	switch pattern {
	case msql.ReadOnly:
		if !req.EarlyRelease.Empty() {
			return critical("early release is only permitted for write queries")
		}
		return legal()
	case msql.WriteOnly:
		for _, t := range req.EarlyRelease.Slice() {
			tvn, ok := curTxVN.Lookup(t)
			if !ok {
				return critical(fmt.Sprintf("early-release table %q not held by the current transaction", t))
			}
			if tvn.Op != msql.W {
				return critical(fmt.Sprintf("early-release table %q is not held for write", t))
			}
		}
		return legal()
	default:
		return critical("unreachable access pattern in Query legality check")
	}
}

func checkEndTx(curTxVN *txvn.TxVN) Outcome {
	if curTxVN == nil {
		return critical("no transaction to end")
	}
	return legal()
}
