package sequencer

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync/atomic"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/wire"
)

// Server accepts framed TCP connections from Scheduler instances and
// serves RequestTxVN/RequestBlock/RequestUnblock/RequestStop against a
// shared Sequencer.
type Server struct {
	seq      *Sequencer
	log      *log.Logger
	stopping atomic.Bool
}

func NewServer(seq *Sequencer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{seq: seq, log: logger}
}

// Serve accepts connections on ln until RequestStop is processed on any
// connection, or ctx is cancelled. Existing connections are left to
// drain on their own.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		if s.stopping.Load() {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if s.stopping.Load() {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req wire.SequencerRequest
		if err := wire.ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Printf("sequencer: read frame: %v", err)
			}
			return
		}
		reply, stop := s.dispatch(req)
		if err := wire.WriteFrame(conn, reply); err != nil {
			s.log.Printf("sequencer: write frame: %v", err)
			return
		}
		if stop {
			s.stopping.Store(true)
			return
		}
	}
}

func (s *Server) dispatch(req wire.SequencerRequest) (wire.SequencerReply, bool) {
	switch req.Type {
	case wire.SequencerRequestTxVN:
		if req.BeginTx == nil {
			return wire.SequencerReply{Type: wire.SequencerReplyTxVN, Msg: "missing begin_tx"}, false
		}
		m, err := wire.MsqlFromDTO(*req.BeginTx)
		if err != nil {
			return wire.SequencerReply{Type: wire.SequencerReplyTxVN, Msg: err.Error()}, false
		}
		beginTx, ok := m.(msql.BeginTx)
		if !ok {
			return wire.SequencerReply{Type: wire.SequencerReplyTxVN, Msg: "begin_tx field did not decode to a BeginTx"}, false
		}
		v, err := s.seq.RequestTxVN(context.Background(), wire.ClientMetaFromDTO(req.ClientMeta), beginTx)
		if err != nil {
			if errors.Is(err, ErrVersionOverflow) {
				s.log.Fatalf("sequencer: table version counter overflowed, aborting: %v", err)
			}
			return wire.SequencerReply{Type: wire.SequencerReplyTxVN, Msg: err.Error()}, false
		}
		dto := wire.TxVNToDTO(v)
		return wire.SequencerReply{Type: wire.SequencerReplyTxVN, TxVN: &dto}, false
	case wire.SequencerRequestBlock:
		s.seq.Block()
		return wire.SequencerReply{Type: wire.SequencerReplyBlockUnblock, Msg: "blocked"}, false
	case wire.SequencerRequestUnblock:
		s.seq.Unblock()
		return wire.SequencerReply{Type: wire.SequencerReplyBlockUnblock, Msg: "unblocked"}, false
	case wire.SequencerRequestStop:
		return wire.SequencerReply{Type: wire.SequencerReplyStop, Msg: "stopping"}, true
	default:
		return wire.SequencerReply{Type: wire.SequencerReplyTxVN, Msg: "unknown request type " + req.Type}, false
	}
}
