package dbproxy

import (
	"context"
	"errors"
	"io"
	"log"
	"net"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/wire"
)

func errResponse(msg string) msql.Response {
	return msql.QueryResponse(msql.ErrResult(msg))
}

// responseFor tags result with m's Kind so the caller's Response.Kind
// matches the request it answers.
func responseFor(m msql.Msql, result msql.Result) msql.Response {
	switch m.(type) {
	case msql.EndTx:
		return msql.EndTxResponse(result)
	default:
		return msql.QueryResponse(result)
	}
}

// Server accepts framed, length-prefixed JSON TCP connections from
// Transceivers and answers DbProxyEnvelope requests against a shared
// Store.
type Server struct {
	store *Store
	log   *log.Logger
}

func NewServer(store *Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{store: store, log: logger}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	for {
		var env wire.DbProxyEnvelope
		if err := wire.ReadFrame(conn, &env); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Printf("dbproxy: conn %s: read frame: %v", addr, err)
			}
			return
		}
		reply := s.dispatch(ctx, env)
		if err := wire.WriteFrame(conn, reply); err != nil {
			s.log.Printf("dbproxy: conn %s: write frame: %v", addr, err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, env wire.DbProxyEnvelope) wire.DbProxyReplyEnvelope {
	switch env.Type {
	case wire.DbProxyEnvelopeRequest:
		return s.handleRequest(ctx, env.Request)
	case wire.DbProxyEnvelopeRelease:
		return s.handleRelease(env.Release)
	default:
		return wire.DbProxyReplyEnvelope{
			Type:     wire.DbProxyReplyResponse,
			Response: &wire.MsqlResponseWire{Response: wire.ResponseToDTO(errResponse("dbproxy: unknown envelope type " + env.Type))},
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req *wire.MsqlRequest) wire.DbProxyReplyEnvelope {
	if req == nil {
		return wire.DbProxyReplyEnvelope{
			Type:     wire.DbProxyReplyResponse,
			Response: &wire.MsqlResponseWire{Response: wire.ResponseToDTO(errResponse("dbproxy: missing request field"))},
		}
	}
	m, err := wire.MsqlFromDTO(req.Msql)
	if err != nil {
		return wire.DbProxyReplyEnvelope{
			Type: wire.DbProxyReplyResponse,
			Response: &wire.MsqlResponseWire{
				ClientAddr: req.Meta.ClientAddr, RequestID: req.Meta.RequestID,
				Response: wire.ResponseToDTO(errResponse("dbproxy: decode msql: " + err.Error())),
			},
		}
	}

	txUUID, err := managedTxUUID(req.TxVN)
	if err != nil {
		return wire.DbProxyReplyEnvelope{
			Type: wire.DbProxyReplyResponse,
			Response: &wire.MsqlResponseWire{
				ClientAddr: req.Meta.ClientAddr, RequestID: req.Meta.RequestID,
				Response: wire.ResponseToDTO(errResponse("dbproxy: decode txvn: " + err.Error())),
			},
		}
	}

	result := s.store.Exec(ctx, m, txUUID)
	resp := responseFor(m, result)
	return wire.DbProxyReplyEnvelope{
		Type: wire.DbProxyReplyResponse,
		Response: &wire.MsqlResponseWire{
			ClientAddr: req.Meta.ClientAddr,
			RequestID:  req.Meta.RequestID,
			Response:   wire.ResponseToDTO(resp),
		},
	}
}

func (s *Server) handleRelease(rel *wire.DbVNReleaseRequest) wire.DbProxyReplyEnvelope {
	if rel == nil {
		return wire.DbProxyReplyEnvelope{Type: wire.DbProxyReplyReleaseAck, Release: &wire.DbVNReleaseReply{OK: false, Msg: "dbproxy: missing release field"}}
	}
	tables := make([]string, len(rel.Releases))
	for i, r := range rel.Releases {
		tables[i] = r.Table
	}
	ok, msg := s.store.ReleaseAck(rel.TxUUID, tables)
	return wire.DbProxyReplyEnvelope{Type: wire.DbProxyReplyReleaseAck, Release: &wire.DbVNReleaseReply{OK: ok, Msg: msg}}
}

// managedTxUUID returns "" when v describes no held tables (the
// single-read fast path's zero TxVN), else the transaction's UUID
// string used as the Store's managed-transaction key.
func managedTxUUID(v *wire.TxVNDTO) (string, error) {
	if v == nil || len(v.TableVNs) == 0 {
		return "", nil
	}
	return v.UUID, nil
}
