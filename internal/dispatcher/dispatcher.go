package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/txvn"
	"github.com/o2versioner/coordinator/internal/wire"
)

// Job is one unit of work submitted to the Dispatcher by a Scheduler
// connection: a Query or EndTx to route against the replicas holding
// cur, plus the correlation identity used on the wire to the DB
// proxies. BeginTx never reaches the Dispatcher; it is served entirely
// by the Sequencer.
type Job struct {
	Meta      txvn.ClientMeta
	RequestID uint64
	Msql      msql.Msql
	Cur       txvn.TxVN
}

// Outcome is what the Dispatcher hands back for a Job: the client-facing
// Response, and the table names it released as a side effect (early
// release on a Query, or the full table set on EndTx) so the Scheduler
// can shrink its held TxVN accordingly.
type Outcome struct {
	Response msql.Response
	Released []string
	Err      error
}

type request struct {
	job   Job
	reply chan Outcome
}

// Dispatcher is the process-wide actor that places reads, fans out
// writes, and releases DbVN versions on commit/rollback/early-release.
// Submit sends a request into a bounded mailbox and blocks on a
// per-request reply channel, while a single goroutine drains the
// mailbox and runs each request on its own goroutine (which may fan
// work out further across replica goroutines), so a read or write
// waiting for a version never holds up the release it is waiting for.
type Dispatcher struct {
	dbvn    *DbVNManager
	links   ReplicaLink
	log     *log.Logger
	mailbox chan request
	nextReq uint64

	mu          sync.Mutex
	outstanding map[string]int // replica -> in-flight read count, for least-loaded placement

	wg sync.WaitGroup
}

// New starts a Dispatcher actor with the given mailbox capacity; a
// full mailbox makes Submit block, providing natural backpressure up
// through the Scheduler.
func New(dbvn *DbVNManager, links ReplicaLink, mailboxCap int, logger *log.Logger) *Dispatcher {
	if mailboxCap <= 0 {
		mailboxCap = 64
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &Dispatcher{
		dbvn:        dbvn,
		links:       links,
		log:         logger,
		mailbox:     make(chan request, mailboxCap),
		outstanding: make(map[string]int),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Close stops accepting new work and waits for the actor loop and every
// request it started to finish.
func (d *Dispatcher) Close() {
	close(d.mailbox)
	d.wg.Wait()
}

// Submit enqueues job and blocks for its Outcome, or returns ctx's
// error if ctx is cancelled first (the send itself, or the wait for a
// reply, may be interrupted; in the second case the job still runs to
// completion after Submit has returned the cancellation error. A job is
// enqueued at most once and never retried).
func (d *Dispatcher) Submit(ctx context.Context, job Job) Outcome {
	reply := make(chan Outcome, 1)
	select {
	case d.mailbox <- request{job: job, reply: reply}:
	case <-ctx.Done():
		return Outcome{Err: wire.NewError(wire.Cancelled, "dispatcher: submit: %v", ctx.Err())}
	}
	select {
	case out := <-reply:
		return out
	case <-ctx.Done():
		return Outcome{Err: wire.NewError(wire.Cancelled, "dispatcher: await reply: %v", ctx.Err())}
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for req := range d.mailbox {
		d.wg.Add(1)
		go func(req request) {
			defer d.wg.Done()
			switch m := req.job.Msql.(type) {
			case msql.Query:
				req.reply <- d.handleQuery(req.job, m)
			case msql.EndTx:
				req.reply <- d.handleEndTx(req.job, m)
			default:
				req.reply <- Outcome{Err: wire.NewError(wire.ProtocolViolation, "dispatcher: unexpected msql kind %v", req.job.Msql.Kind())}
			}
		}(req)
	}
}

func (d *Dispatcher) requestID() uint64 {
	return atomic.AddUint64(&d.nextReq, 1)
}

func (d *Dispatcher) handleQuery(job Job, q msql.Query) Outcome {
	switch q.TableOps.AccessPattern() {
	case msql.WriteOnly:
		return d.handleWrite(job, q)
	default:
		return d.handleRead(job, q)
	}
}

// handleRead implements the single-read and placement fast paths: pick
// the least-loaded replica among those caught up to every table's
// held read version, waiting on the DbVNManager's generation channel
// if none currently qualify. A replica whose SendQuery fails is
// excluded and another eligible replica is tried before the query
// fails outright.
func (d *Dispatcher) handleRead(job Job, q msql.Query) Outcome {
	ctx := context.Background()
	total := len(d.dbvn.Replicas())
	excluded := make(map[string]struct{})
	for {
		eligible := excludeReplicas(d.dbvn.EligibleReadReplicas(q.TableOps, job.Cur), excluded)
		if len(eligible) > 0 {
			replica := d.pickLeastLoaded(eligible)
			d.addOutstanding(replica, 1)
			resp, err := d.links.SendQuery(ctx, replica, wire.MsqlRequest{
				Meta: wire.RequestMeta{ClientAddr: job.Meta.ClientAddr, CurTxID: job.Meta.CurrentTxID, RequestID: d.requestID()},
				Msql: wire.MsqlToDTO(q),
				TxVN: txvnPtr(job.Cur),
			})
			d.addOutstanding(replica, -1)
			if err != nil {
				d.log.Printf("dispatcher: read on %s failed, trying another eligible replica: %v", replica, err)
				excluded[replica] = struct{}{}
				if len(excluded) >= total {
					return Outcome{Err: wire.NewError(wire.BackendUnreachable, "dispatcher: read: every eligible replica was unreachable")}
				}
				continue
			}
			out, err := wire.ResponseFromDTO(resp.Response)
			if err != nil {
				return Outcome{Err: wire.NewError(wire.ProtocolViolation, "dispatcher: decode read response: %v", err)}
			}
			return Outcome{Response: out}
		}
		if len(excluded) >= total {
			return Outcome{Err: wire.NewError(wire.BackendUnreachable, "dispatcher: read: every eligible replica was unreachable")}
		}
		<-d.dbvn.Wait()
	}
}

// excludeReplicas returns addrs with every member of excluded removed,
// preserving order.
func excludeReplicas(addrs []string, excluded map[string]struct{}) []string {
	if len(excluded) == 0 {
		return addrs
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, skip := excluded[a]; !skip {
			out = append(out, a)
		}
	}
	return out
}

// handleWrite fans a write out to every replica, waiting for each one
// to individually reach the exact version this transaction holds, then
// consolidates the per-replica results and applies any early release
// the query requested.
func (d *Dispatcher) handleWrite(job Job, q msql.Query) Outcome {
	ctx := context.Background()
	replicas := d.dbvn.Replicas()
	type repResult struct {
		addr string
		resp msql.Response
		err  error
	}
	results := make(chan repResult, len(replicas))
	var wg sync.WaitGroup
	for _, replica := range replicas {
		wg.Add(1)
		go func(replica string) {
			defer wg.Done()
			for !d.dbvn.CanServeWrite(replica, q.TableOps, job.Cur) {
				<-d.dbvn.Wait()
			}
			resp, err := d.links.SendQuery(ctx, replica, wire.MsqlRequest{
				Meta: wire.RequestMeta{ClientAddr: job.Meta.ClientAddr, CurTxID: job.Meta.CurrentTxID, RequestID: d.requestID()},
				Msql: wire.MsqlToDTO(q),
				TxVN: txvnPtr(job.Cur),
			})
			if err != nil {
				results <- repResult{addr: replica, err: err}
				return
			}
			out, decErr := wire.ResponseFromDTO(resp.Response)
			if decErr != nil {
				results <- repResult{addr: replica, err: decErr}
				return
			}
			if out.Result.Ok && !q.EarlyRelease.Empty() {
				d.releaseEarly(replica, job, q.EarlyRelease)
			}
			results <- repResult{addr: replica, resp: out}
		}(replica)
	}
	wg.Wait()
	close(results)

	perReplica := make(map[string]string)
	oks := make(map[string]string)
	var anyErr bool
	for r := range results {
		switch {
		case r.err != nil:
			anyErr = true
			perReplica[r.addr] = r.err.Error()
		case !r.resp.Result.Ok:
			anyErr = true
			perReplica[r.addr] = r.resp.Result.Msg
		default:
			oks[r.addr] = r.resp.Result.Msg
		}
	}
	if anyErr {
		return Outcome{Response: msql.QueryResponse(msql.AggregateErrors(perReplica)), Err: wire.NewError(wire.BackendError, "dispatcher: write fan-out had %d failing replica(s)", len(perReplica))}
	}

	var released []string
	if !q.EarlyRelease.Empty() {
		released = q.EarlyRelease.Slice()
	}
	return Outcome{Response: msql.QueryResponse(msql.OkResult(joinOk(oks))), Released: released}
}

func (d *Dispatcher) releaseEarly(replica string, job Job, early msql.EarlyReleaseTables) {
	var rels []txvn.TxTableVN
	for _, t := range early.Slice() {
		tv, ok := job.Cur.Lookup(t)
		if !ok || tv.Op != msql.W {
			continue
		}
		rels = append(rels, tv)
	}
	if len(rels) == 0 {
		return
	}
	if err := d.dbvn.Release(replica, job.Cur.UUID.String(), rels); err != nil {
		d.log.Printf("dispatcher: early release on %s: %v", replica, err)
	}
	dto := make([]wire.TxTableVNDTO, len(rels))
	for i, r := range rels {
		dto[i] = wire.TxTableVNDTO{Table: r.Table, VN: r.VN, Op: r.Op.String()}
	}
	if _, err := d.links.SendRelease(context.Background(), replica, wire.DbVNReleaseRequest{TxUUID: job.Cur.UUID.String(), Releases: dto}); err != nil {
		d.log.Printf("dispatcher: notify db proxy of early release on %s: %v", replica, err)
	}
}

// handleEndTx sends Commit/Rollback to every replica that might hold
// work for this transaction (writes went to all of them; reads may
// have gone to any subset, and releasing an untouched replica is
// harmless — see DbVNManager.Release), then releases every table this
// transaction still holds on each replica that acknowledged.
func (d *Dispatcher) handleEndTx(job Job, e msql.EndTx) Outcome {
	ctx := context.Background()
	replicas := d.dbvn.Replicas()
	type repResult struct {
		addr string
		ok   bool
		msg  string
	}
	results := make(chan repResult, len(replicas))
	var wg sync.WaitGroup
	for _, replica := range replicas {
		wg.Add(1)
		go func(replica string) {
			defer wg.Done()
			resp, err := d.links.SendQuery(ctx, replica, wire.MsqlRequest{
				Meta: wire.RequestMeta{ClientAddr: job.Meta.ClientAddr, CurTxID: job.Meta.CurrentTxID, RequestID: d.requestID()},
				Msql: wire.MsqlToDTO(e),
				TxVN: txvnPtr(job.Cur),
			})
			if err != nil {
				results <- repResult{addr: replica, msg: err.Error()}
				return
			}
			out, decErr := wire.ResponseFromDTO(resp.Response)
			if decErr != nil {
				results <- repResult{addr: replica, msg: decErr.Error()}
				return
			}
			results <- repResult{addr: replica, ok: out.Result.Ok, msg: out.Result.Msg}
		}(replica)
	}
	wg.Wait()
	close(results)

	var released []string
	perReplica := make(map[string]string)
	var anyErr bool
	for r := range results {
		if !r.ok {
			anyErr = true
			perReplica[r.addr] = r.msg
			// A replica that failed to commit/rollback keeps its version
			// counters where they are; the transaction stays open there
			// rather than silently advancing past an uncommitted write.
			continue
		}
		if err := d.dbvn.Release(r.addr, job.Cur.UUID.String(), job.Cur.TableVNs); err != nil {
			d.log.Printf("dispatcher: release at end_tx on %s: %v", r.addr, err)
		}
	}
	if released == nil {
		released = job.Cur.Tables()
	}
	if anyErr {
		return Outcome{Response: msql.EndTxResponse(msql.AggregateErrors(perReplica)), Released: released, Err: wire.NewError(wire.BackendError, "dispatcher: end_tx had %d failing replica(s)", len(perReplica))}
	}
	return Outcome{Response: msql.EndTxResponse(msql.OkResult(e.Mode.String())), Released: released}
}

func (d *Dispatcher) pickLeastLoaded(candidates []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := candidates[0]
	bestLoad := d.outstanding[best]
	for _, c := range candidates[1:] {
		if load := d.outstanding[c]; load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

func (d *Dispatcher) addOutstanding(replica string, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outstanding[replica] += delta
}

func txvnPtr(v txvn.TxVN) *wire.TxVNDTO {
	dto := wire.TxVNToDTO(v)
	return &dto
}

func joinOk(perReplica map[string]string) string {
	addrs := make([]string, 0, len(perReplica))
	for addr := range perReplica {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, fmt.Sprintf("%s: %s", addr, perReplica[addr]))
	}
	return strings.Join(parts, "; ")
}
