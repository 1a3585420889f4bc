package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"net"

	"github.com/o2versioner/coordinator/internal/config"
	"github.com/o2versioner/coordinator/internal/dispatcher"
	"github.com/o2versioner/coordinator/internal/sequencer"
	"github.com/o2versioner/coordinator/internal/wire"
)

// Server accepts client connections and runs one Session per
// connection, single-task and strictly serial.
type Server struct {
	seq      *sequencer.Pool
	disp     *dispatcher.Dispatcher
	cfg      config.SchedulerConfig
	registry *Registry
	log      *log.Logger
}

func NewServer(seq *sequencer.Pool, disp *dispatcher.Dispatcher, cfg config.SchedulerConfig, registry *Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Server{seq: seq, disp: disp, cfg: cfg, registry: registry, log: logger}
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
	rec := s.registry.GetOrCreate(addr)
	session := NewSession(addr, s.seq, s.disp, s.cfg, rec, s.log)
	defer session.Teardown()

	for {
		var req wire.ClientRequest
		if err := wire.ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Printf("scheduler: session %s: read frame: %v", addr, err)
			}
			return
		}
		reply, stop := session.Handle(ctx, req)
		if err := wire.WriteFrame(conn, reply); err != nil {
			s.log.Printf("scheduler: session %s: write frame: %v", addr, err)
			return
		}
		if stop {
			return
		}
	}
}
