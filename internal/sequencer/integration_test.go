package sequencer

import (
	"context"
	"net"
	"testing"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/txvn"
)

func startTestServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
	}
}

func TestPoolRequestTxVNOverTheWire(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	pool := NewPool(addr, 2)
	defer pool.Close()

	v, err := pool.RequestTxVN(txvn.ClientMeta{ClientAddr: "client1"}, msql.BeginTx{
		TableOps: msql.TableOps{{Table: "t0", Op: msql.W}},
	})
	if err != nil {
		t.Fatalf("RequestTxVN: %v", err)
	}
	tv, ok := v.Lookup("t0")
	if !ok || tv.VN != 0 {
		t.Fatalf("expected t0 vn=0, got %+v ok=%v", tv, ok)
	}

	v2, err := pool.RequestTxVN(txvn.ClientMeta{ClientAddr: "client1"}, msql.BeginTx{
		TableOps: msql.TableOps{{Table: "t0", Op: msql.W}},
	})
	if err != nil {
		t.Fatalf("RequestTxVN: %v", err)
	}
	tv2, _ := v2.Lookup("t0")
	if tv2.VN != 1 {
		t.Fatalf("expected t0 vn=1 on second BeginTx, got %d", tv2.VN)
	}
}

func TestPoolBlockUnblockOverTheWire(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	pool := NewPool(addr, 2)
	defer pool.Close()

	if _, err := pool.Block(); err != nil {
		t.Fatalf("Block: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := pool.RequestTxVN(txvn.ClientMeta{}, msql.BeginTx{
			TableOps: msql.TableOps{{Table: "t0", Op: msql.R}},
		})
		done <- err
	}()

	if _, err := pool.Unblock(); err != nil {
		t.Fatalf("Unblock: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("RequestTxVN after unblock: %v", err)
	}
}
