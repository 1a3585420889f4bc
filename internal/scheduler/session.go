// Package scheduler implements the per-connection session machine:
// legality checking, BeginTx/Query/EndTx dispatch, the single-read and
// single-write fast paths, and disconnect-triggered rollback.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/o2versioner/coordinator/internal/config"
	"github.com/o2versioner/coordinator/internal/dispatcher"
	"github.com/o2versioner/coordinator/internal/legality"
	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/sequencer"
	"github.com/o2versioner/coordinator/internal/txvn"
	"github.com/o2versioner/coordinator/internal/wire"
)

// Session is one client connection's state machine. It owns its
// ConnectionState exclusively: no mutex guards cur, it is only ever
// touched from the single goroutine of Server.handleConn that serves
// its connection.
type Session struct {
	seq  *sequencer.Pool
	disp *dispatcher.Dispatcher
	cfg  config.SchedulerConfig
	rec  *ClientRecord
	log  *log.Logger

	meta      txvn.ClientMeta
	cur       *txvn.TxVN
	nextReqID uint64
}

// NewSession builds a session for a freshly accepted client address.
func NewSession(clientAddr string, seq *sequencer.Pool, disp *dispatcher.Dispatcher, cfg config.SchedulerConfig, rec *ClientRecord, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		seq:  seq,
		disp: disp,
		cfg:  cfg,
		rec:  rec,
		log:  logger,
		meta: txvn.ClientMeta{ClientAddr: clientAddr},
	}
}

// Handle processes one ClientRequest and returns the reply plus whether
// the session should end (crash hook or protocol violation).
func (s *Session) Handle(ctx context.Context, req wire.ClientRequest) (wire.ClientReply, bool) {
	switch req.Type {
	case wire.ClientRequestCrash:
		s.log.Printf("scheduler: session %s: crash requested: %s", s.meta.ClientAddr, req.Reason)
		return wire.ClientReply{Type: wire.ClientReplyInvalid, Err: "crash: " + req.Reason}, true
	case wire.ClientRequestMsqlText:
		m, err := msql.ParseMsqlText(req.Text)
		if err != nil {
			return wire.ClientReply{Type: wire.ClientReplyInvalidText, Err: err.Error()}, false
		}
		return s.handleMsql(ctx, m), false
	case wire.ClientRequestMsql:
		if req.Msql == nil {
			return wire.ClientReply{Type: wire.ClientReplyInvalid, Err: "missing msql field"}, true
		}
		m, err := wire.MsqlFromDTO(*req.Msql)
		if err != nil {
			return wire.ClientReply{Type: wire.ClientReplyInvalid, Err: err.Error()}, true
		}
		return s.handleMsql(ctx, m), false
	default:
		return wire.ClientReply{Type: wire.ClientReplyInvalid, Err: "unknown request type " + req.Type}, true
	}
}

// Teardown is called once when the connection ends; it synthesizes a
// Rollback through the Dispatcher if a transaction was left open.
func (s *Session) Teardown() {
	if s.rec != nil {
		s.rec.markFinished()
	}
	if s.cur == nil {
		return
	}
	cur := *s.cur
	s.cur = nil
	s.disp.Submit(context.Background(), dispatcher.Job{
		Meta: s.meta,
		Msql: msql.EndTx{Mode: msql.Rollback},
		Cur:  cur,
	})
}

func (s *Session) handleMsql(ctx context.Context, m msql.Msql) wire.ClientReply {
	begin := time.Now()
	outcome := legality.Check(m, s.cur)
	switch outcome.Verdict {
	case legality.Panic:
		s.log.Fatalf("scheduler: legality panic on session %s: %s", s.meta.ClientAddr, outcome.Msg)
	case legality.Critical:
		resp := errResponseFor(m, outcome.Msg)
		s.recordRequest(m, begin, nil)
		return replyOK(resp)
	}

	var reply wire.ClientReply
	var err error
	switch v := m.(type) {
	case msql.BeginTx:
		reply, err = s.handleBeginTx(v)
	case msql.Query:
		reply, err = s.handleQuery(ctx, v)
	case msql.EndTx:
		reply, err = s.handleEndTx(ctx, v)
	default:
		reply, err = wire.ClientReply{Type: wire.ClientReplyInvalid, Err: "unhandled msql kind"}, nil
	}
	s.recordRequest(m, begin, err)
	return reply
}

func (s *Session) recordRequest(m msql.Msql, begin time.Time, err error) {
	if s.rec == nil {
		return
	}
	rec := RequestRecord{
		Command:   m.Kind().String(),
		RequestID: s.nextReqID,
		BeginTime: begin,
		EndTime:   time.Now(),
	}
	s.nextReqID++
	if err != nil {
		rec.Err = err.Error()
	}
	s.rec.Append(rec)
}

func (s *Session) handleBeginTx(b msql.BeginTx) (wire.ClientReply, error) {
	v, err := s.seq.RequestTxVN(s.meta, b)
	if err != nil {
		return replyOK(msql.BeginTxResponse(msql.ErrResult(err.Error()))), err
	}
	s.cur = &v
	return replyOK(msql.BeginTxResponse(msql.OkResult("begin"))), nil
}

func (s *Session) handleQuery(ctx context.Context, q msql.Query) (wire.ClientReply, error) {
	q = s.stripEarlyReleaseIfNeeded(q)

	if s.cur == nil {
		pattern := q.TableOps.AccessPattern()
		if pattern == msql.ReadOnly && !s.cfg.DisableSingleReadOptimization {
			out := s.disp.Submit(ctx, dispatcher.Job{Meta: s.meta, Msql: q, Cur: txvn.TxVN{}})
			return replyFromOutcome(out), out.Err
		}
		return s.singleStatementFastPath(ctx, q)
	}

	out := s.disp.Submit(ctx, dispatcher.Job{Meta: s.meta, Msql: q, Cur: *s.cur})
	if len(out.Released) > 0 {
		shrunk := s.cur.WithoutTables(out.Released...)
		s.cur = &shrunk
	}
	return replyFromOutcome(out), out.Err
}

// stripEarlyReleaseIfNeeded strips and logs rather than rejecting,
// whenever early release is configured off or the query is ReadOnly.
// It runs after the legality checker: a ReadOnly query carrying
// early-release tags inside an open transaction has already been
// rejected as Critical, so the ReadOnly stripping here only applies to
// the single-read fast path (no open transaction), where the checker
// does not look at the tags.
func (s *Session) stripEarlyReleaseIfNeeded(q msql.Query) msql.Query {
	if q.EarlyRelease.Empty() {
		return q
	}
	if s.cfg.DisableEarlyRelease || q.TableOps.AccessPattern() == msql.ReadOnly {
		s.log.Printf("scheduler: session %s: stripping early_release tags %v", s.meta.ClientAddr, q.EarlyRelease.Slice())
		q.EarlyRelease = msql.NewEarlyReleaseTables(nil)
	}
	return q
}

// singleStatementFastPath wraps a lone Query with no open transaction
// in a synthesized BeginTx/EndTx(Commit) pair: the single-write fast
// path, also used for reads when the single-read optimization is
// disabled.
func (s *Session) singleStatementFastPath(ctx context.Context, q msql.Query) (wire.ClientReply, error) {
	v, err := s.seq.RequestTxVN(s.meta, msql.BeginTx{TableOps: q.TableOps})
	if err != nil {
		return replyOK(msql.QueryResponse(msql.ErrResult("begin: " + err.Error()))), err
	}

	out := s.disp.Submit(ctx, dispatcher.Job{Meta: s.meta, Msql: q, Cur: v})
	cur := v
	if len(out.Released) > 0 {
		cur = cur.WithoutTables(out.Released...)
	}
	s.disp.Submit(ctx, dispatcher.Job{Meta: s.meta, Msql: msql.EndTx{Mode: msql.Commit}, Cur: cur})
	s.meta.CurrentTxID++
	return replyFromOutcome(out), out.Err
}

func (s *Session) handleEndTx(ctx context.Context, e msql.EndTx) (wire.ClientReply, error) {
	cur := *s.cur
	s.cur = nil
	out := s.disp.Submit(ctx, dispatcher.Job{Meta: s.meta, Msql: e, Cur: cur})
	s.meta.CurrentTxID++
	return replyFromOutcome(out), out.Err
}

func replyOK(resp msql.Response) wire.ClientReply {
	dto := wire.ResponseToDTO(resp)
	return wire.ClientReply{Type: wire.ClientReplyOK, Response: &dto}
}

func replyFromOutcome(out dispatcher.Outcome) wire.ClientReply {
	return replyOK(out.Response)
}

func errResponseFor(m msql.Msql, msg string) msql.Response {
	switch m.(type) {
	case msql.BeginTx:
		return msql.BeginTxResponse(msql.ErrResult(msg))
	case msql.EndTx:
		return msql.EndTxResponse(msql.ErrResult(msg))
	default:
		return msql.QueryResponse(msql.ErrResult(msg))
	}
}
