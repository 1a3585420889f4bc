// Package dbproxy is the reference DB-proxy executor: a real SQL engine
// sitting behind the Scheduler-facing wire contract, since only that
// contract (not a particular SQL engine) is specified for this
// collaborator. It speaks the DbProxyEnvelope/DbProxyReplyEnvelope
// protocol that internal/transceiver is the client side of, executing
// Query/EndTx against modernc.org/sqlite and acknowledging
// early-release notifications.
package dbproxy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/o2versioner/coordinator/internal/msql"
)

// Store owns one *sql.DB and the set of transactions currently open
// against it, keyed by the TxUUID the Sequencer assigned. BeginTx
// never reaches the DB proxy (it is served entirely by the
// Sequencer), so a managed transaction is opened lazily on its first
// Query and closed on the matching EndTx.
type Store struct {
	db *sql.DB

	mu  sync.Mutex
	txs map[string]*sql.Tx
}

// Open opens dsn (a configured replica's sql_addr, e.g. a sqlite file
// path or ":memory:") via the modernc.org/sqlite driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", rewriteMemoryDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("dbproxy: open %s: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbproxy: ping %s: %w", dsn, err)
	}
	return &Store{db: db, txs: make(map[string]*sql.Tx)}, nil
}

// rewriteMemoryDSN turns a bare ":memory:" into a shared-cache DSN so
// every connection database/sql opens from its pool sees the same
// in-memory database rather than each getting its own empty one.
func rewriteMemoryDSN(dsn string) string {
	if dsn == ":memory:" {
		return "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}
	return dsn
}

func (s *Store) Close() error {
	s.mu.Lock()
	for uuid, tx := range s.txs {
		tx.Rollback()
		delete(s.txs, uuid)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// Exec runs a Query or EndTx and returns the Result half of the client
// response. txUUID is empty for the single-read fast path (job.Cur is
// the zero TxVN), in which case the statement runs autocommit with no
// managed transaction to track.
func (s *Store) Exec(ctx context.Context, m msql.Msql, txUUID string) msql.Result {
	switch req := m.(type) {
	case msql.Query:
		return s.execQuery(ctx, req, txUUID)
	case msql.EndTx:
		return s.execEndTx(req, txUUID)
	default:
		return msql.ErrResult(fmt.Sprintf("dbproxy: unexpected msql kind %v", m.Kind()))
	}
}

func (s *Store) execQuery(ctx context.Context, q msql.Query, txUUID string) msql.Result {
	if txUUID == "" {
		return runStatement(ctx, s.db, q.SQL)
	}

	tx, err := s.txFor(ctx, txUUID)
	if err != nil {
		return msql.ErrResult(err.Error())
	}
	return runStatement(ctx, tx, q.SQL)
}

func (s *Store) execEndTx(e msql.EndTx, txUUID string) msql.Result {
	s.mu.Lock()
	tx, ok := s.txs[txUUID]
	if ok {
		delete(s.txs, txUUID)
	}
	s.mu.Unlock()

	if !ok {
		// Nothing was ever opened against this proxy for the
		// transaction (e.g. every statement it issued landed on a
		// different replica, or it read-only touched tables this
		// replica never served). Ending it here is a no-op success.
		return msql.OkResult(e.Mode.String())
	}
	var err error
	if e.Mode == msql.Commit {
		err = tx.Commit()
	} else {
		err = tx.Rollback()
	}
	if err != nil {
		return msql.ErrResult(fmt.Sprintf("dbproxy: %s: %v", strings.ToLower(e.Mode.String()), err))
	}
	return msql.OkResult(e.Mode.String())
}

// txFor returns the managed transaction for txUUID, opening it on
// first use.
func (s *Store) txFor(ctx context.Context, txUUID string) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[txUUID]; ok {
		return tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dbproxy: begin: %w", err)
	}
	s.txs[txUUID] = tx
	return tx, nil
}

// ReleaseAck is the DB proxy's side of an early-release notification.
// The proxy has no finer-grained notion of a per-table commit within
// one sqlite transaction, so this is an acknowledgement only; the
// actual version bookkeeping lives in the Dispatcher's DbVNManager.
func (s *Store) ReleaseAck(txUUID string, tables []string) (bool, string) {
	return true, fmt.Sprintf("acknowledged early release of %s for tx %s", strings.Join(tables, ","), txUUID)
}

// execer is the subset of *sql.DB / *sql.Tx that runStatement needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// runStatement executes sql against conn. SELECT-shaped statements are
// run as a query and rendered into a CSV-ish body string (Result.Msg
// carries a string body, not structured rows, since Response is a
// plain Ok(body)/Err(msg) pair); everything else runs as Exec and
// reports the affected row count.
func runStatement(ctx context.Context, conn execer, query string) msql.Result {
	if looksLikeSelect(query) {
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return msql.ErrResult(err.Error())
		}
		defer rows.Close()
		body, err := renderRows(rows)
		if err != nil {
			return msql.ErrResult(err.Error())
		}
		return msql.OkResult(body)
	}
	res, err := conn.ExecContext(ctx, query)
	if err != nil {
		return msql.ErrResult(err.Error())
	}
	n, _ := res.RowsAffected()
	return msql.OkResult(fmt.Sprintf("%d row(s) affected", n))
}

func looksLikeSelect(query string) bool {
	trimmed := strings.TrimSpace(query)
	return len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "select")
}

func renderRows(rows *sql.Rows) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(strings.Join(cols, ","))
	b.WriteByte('\n')

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		parts := make([]string, len(cols))
		for i, v := range vals {
			parts[i] = fmt.Sprint(v)
		}
		b.WriteString(strings.Join(parts, ","))
		b.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}
