package transceiver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/wire"
)

// fakeDbProxy accepts one connection at a time and replies Ok to every
// msql_request, ack to every release, echoing request_id/client_addr.
func fakeDbProxy(t *testing.T, ln net.Listener, stop <-chan struct{}) {
	t.Helper()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			for {
				var env wire.DbProxyEnvelope
				if err := wire.ReadFrame(c, &env); err != nil {
					return
				}
				switch env.Type {
				case wire.DbProxyEnvelopeRequest:
					reply := wire.DbProxyReplyEnvelope{
						Type: wire.DbProxyReplyResponse,
						Response: &wire.MsqlResponseWire{
							ClientAddr: env.Request.Meta.ClientAddr,
							RequestID:  env.Request.Meta.RequestID,
							Response:   wire.ResponseToDTO(msql.QueryResponse(msql.OkResult("done"))),
						},
					}
					if err := wire.WriteFrame(c, reply); err != nil {
						return
					}
				case wire.DbProxyEnvelopeRelease:
					reply := wire.DbProxyReplyEnvelope{Type: wire.DbProxyReplyReleaseAck, Release: &wire.DbVNReleaseReply{OK: true}}
					if err := wire.WriteFrame(c, reply); err != nil {
						return
					}
				}
			}
		}(conn)
		select {
		case <-stop:
			return
		default:
		}
	}
}

func TestTransceiverSendQueryRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	stop := make(chan struct{})
	defer close(stop)
	go fakeDbProxy(t, ln, stop)

	tr := New(ln.Addr().String(), 8, nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := tr.SendQuery(ctx, wire.MsqlRequest{
		Meta: wire.RequestMeta{ClientAddr: "c1", RequestID: 1},
		Msql: wire.MsqlToDTO(msql.Query{SQL: "select 1", TableOps: msql.TableOps{{Table: "t0", Op: msql.R}}}),
	})
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if resp.Response.Result.Msg != "done" || !resp.Response.Result.Ok {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestTransceiverSendReleaseRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	stop := make(chan struct{})
	defer close(stop)
	go fakeDbProxy(t, ln, stop)

	tr := New(ln.Addr().String(), 8, nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := tr.SendRelease(ctx, wire.DbVNReleaseRequest{TxUUID: "abc", Releases: []wire.TxTableVNDTO{{Table: "t0", VN: 0, Op: "W"}}})
	if err != nil {
		t.Fatalf("SendRelease: %v", err)
	}
	if !ack.OK {
		t.Fatalf("expected ack.OK, got %+v", ack)
	}
}

// TestTransceiverMatchesRepliesByCorrelationKeyNotArrivalOrder drives two
// concurrent SendQuery calls through one connection and has the server
// answer them in reverse order; each caller must still receive the reply
// addressed to its own (client_addr, request_id), not the first one back.
func TestTransceiverMatchesRepliesByCorrelationKeyNotArrivalOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverReady := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var first, second wire.DbProxyEnvelope
		if err := wire.ReadFrame(conn, &first); err != nil {
			return
		}
		if err := wire.ReadFrame(conn, &second); err != nil {
			return
		}
		close(serverReady)

		// Reply to the second request first, the first request second:
		// a map keyed by correlation id must still route each reply home.
		reply := func(env wire.DbProxyEnvelope) wire.DbProxyReplyEnvelope {
			return wire.DbProxyReplyEnvelope{
				Type: wire.DbProxyReplyResponse,
				Response: &wire.MsqlResponseWire{
					ClientAddr: env.Request.Meta.ClientAddr,
					RequestID:  env.Request.Meta.RequestID,
					Response:   wire.ResponseToDTO(msql.QueryResponse(msql.OkResult("reply for " + env.Request.Meta.ClientAddr))),
				},
			}
		}
		wire.WriteFrame(conn, reply(second))
		wire.WriteFrame(conn, reply(first))
	}()

	tr := New(ln.Addr().String(), 8, nil)
	defer tr.Close()

	type outcome struct {
		clientAddr string
		msg        string
		err        error
	}
	results := make(chan outcome, 2)
	send := func(clientAddr string, requestID uint64) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := tr.SendQuery(ctx, wire.MsqlRequest{
			Meta: wire.RequestMeta{ClientAddr: clientAddr, RequestID: requestID},
			Msql: wire.MsqlToDTO(msql.Query{SQL: "select 1", TableOps: msql.TableOps{{Table: "t0", Op: msql.R}}}),
		})
		if err != nil {
			results <- outcome{clientAddr: clientAddr, err: err}
			return
		}
		results <- outcome{clientAddr: clientAddr, msg: resp.Response.Result.Msg}
	}

	go send("clientA", 1)
	go send("clientB", 2)

	<-serverReady

	for i := 0; i < 2; i++ {
		select {
		case out := <-results:
			if out.err != nil {
				t.Fatalf("SendQuery for %s: %v", out.clientAddr, out.err)
			}
			want := "reply for " + out.clientAddr
			if out.msg != want {
				t.Fatalf("client %s got mismatched reply %q, want %q", out.clientAddr, out.msg, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
}

// TestTransceiverDropsReplyWithUnknownCorrelationKey verifies a reply whose
// (client_addr, request_id) matches no pending request is logged and
// dropped rather than delivered to an unrelated waiter.
func TestTransceiverDropsReplyWithUnknownCorrelationKey(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req wire.DbProxyEnvelope
		if err := wire.ReadFrame(conn, &req); err != nil {
			return
		}
		// A stray reply with no matching pending waiter must be dropped,
		// not misdelivered to the real caller below.
		wire.WriteFrame(conn, wire.DbProxyReplyEnvelope{
			Type: wire.DbProxyReplyResponse,
			Response: &wire.MsqlResponseWire{
				ClientAddr: "nobody-is-waiting",
				RequestID:  999,
				Response:   wire.ResponseToDTO(msql.QueryResponse(msql.OkResult("stray"))),
			},
		})
		wire.WriteFrame(conn, wire.DbProxyReplyEnvelope{
			Type: wire.DbProxyReplyResponse,
			Response: &wire.MsqlResponseWire{
				ClientAddr: "c1",
				RequestID:  1,
				Response:   wire.ResponseToDTO(msql.QueryResponse(msql.OkResult("real"))),
			},
		})
	}()

	tr := New(ln.Addr().String(), 8, nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := tr.SendQuery(ctx, wire.MsqlRequest{
		Meta: wire.RequestMeta{ClientAddr: "c1", RequestID: 1},
		Msql: wire.MsqlToDTO(msql.Query{SQL: "select 1", TableOps: msql.TableOps{{Table: "t0", Op: msql.R}}}),
	})
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if resp.Response.Result.Msg != "real" {
		t.Fatalf("expected the real reply, got %q", resp.Response.Result.Msg)
	}
}

func TestTransceiverReconnectsAfterConnectionDrop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	tr := New(addr, 8, nil)
	defer tr.Close()

	var first net.Conn
	select {
	case first = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first connection")
	}
	first.Close()

	var second net.Conn
	select {
	case second = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reconnect")
	}
	defer second.Close()
	ln.Close()

	go func() {
		var env wire.DbProxyEnvelope
		if err := wire.ReadFrame(second, &env); err != nil {
			return
		}
		wire.WriteFrame(second, wire.DbProxyReplyEnvelope{
			Type:     wire.DbProxyReplyResponse,
			Response: &wire.MsqlResponseWire{Response: wire.ResponseToDTO(msql.QueryResponse(msql.OkResult("ok")))},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := tr.SendQuery(ctx, wire.MsqlRequest{Meta: wire.RequestMeta{}, Msql: wire.MsqlToDTO(msql.Query{SQL: "x"})}); err != nil {
		t.Fatalf("SendQuery after reconnect: %v", err)
	}
}
