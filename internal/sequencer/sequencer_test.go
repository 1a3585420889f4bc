package sequencer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/txvn"
)

func TestRequestTxVNAssignsDistinctVersionsPerTable(t *testing.T) {
	s := New()
	v1, err := s.RequestTxVN(context.Background(), txvn.ClientMeta{}, msql.BeginTx{
		TableOps: msql.TableOps{{Table: "t0", Op: msql.W}},
	})
	if err != nil {
		t.Fatalf("RequestTxVN: %v", err)
	}
	v2, err := s.RequestTxVN(context.Background(), txvn.ClientMeta{}, msql.BeginTx{
		TableOps: msql.TableOps{{Table: "t0", Op: msql.W}},
	})
	if err != nil {
		t.Fatalf("RequestTxVN: %v", err)
	}
	tv1, _ := v1.Lookup("t0")
	tv2, _ := v2.Lookup("t0")
	if tv1.VN != 0 || tv2.VN != 1 {
		t.Fatalf("expected strictly increasing versions 0,1 got %d,%d", tv1.VN, tv2.VN)
	}
}

func TestRequestTxVNDeduplicatesTables(t *testing.T) {
	s := New()
	v, err := s.RequestTxVN(context.Background(), txvn.ClientMeta{}, msql.BeginTx{
		TableOps: msql.TableOps{{Table: "t0", Op: msql.W}, {Table: "t0", Op: msql.W}},
	})
	if err != nil {
		t.Fatalf("RequestTxVN: %v", err)
	}
	if len(v.TableVNs) != 1 {
		t.Fatalf("expected one TxTableVN after dedup, got %v", v.TableVNs)
	}
}

func TestConcurrentBeginTxGetDistinctOrderedVersions(t *testing.T) {
	s := New()
	const n = 50
	var wg sync.WaitGroup
	results := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.RequestTxVN(context.Background(), txvn.ClientMeta{}, msql.BeginTx{
				TableOps: msql.TableOps{{Table: "shared", Op: msql.W}},
			})
			if err != nil {
				t.Errorf("RequestTxVN: %v", err)
				return
			}
			tv, _ := v.Lookup("shared")
			results[i] = tv.VN
		}(i)
	}
	wg.Wait()
	seen := make(map[uint64]bool, n)
	for _, vn := range results {
		if seen[vn] {
			t.Fatalf("duplicate vn %d assigned concurrently", vn)
		}
		seen[vn] = true
	}
	for i := uint64(0); i < n; i++ {
		if !seen[i] {
			t.Fatalf("expected contiguous range 0..%d, missing %d", n-1, i)
		}
	}
}

func TestBlockSuspendsUntilUnblock(t *testing.T) {
	s := New()
	s.Block()

	done := make(chan struct{})
	go func() {
		_, err := s.RequestTxVN(context.Background(), txvn.ClientMeta{}, msql.BeginTx{
			TableOps: msql.TableOps{{Table: "t0", Op: msql.R}},
		})
		if err != nil {
			t.Errorf("RequestTxVN: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("RequestTxVN should not complete while blocked")
	case <-time.After(50 * time.Millisecond):
	}

	s.Unblock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RequestTxVN did not complete after Unblock")
	}
}

func TestRequestTxVNRespectsContextCancellation(t *testing.T) {
	s := New()
	s.Block()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.RequestTxVN(ctx, txvn.ClientMeta{}, msql.BeginTx{
		TableOps: msql.TableOps{{Table: "t0", Op: msql.R}},
	})
	if err == nil {
		t.Fatalf("expected context deadline error while blocked")
	}
}
