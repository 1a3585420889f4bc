// Command sequencer runs the standalone Sequencer process: the single
// authority handing out per-table version numbers to every BeginTx.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/o2versioner/coordinator/internal/config"
	"github.com/o2versioner/coordinator/internal/sequencer"
)

var flagConfig = flag.String("config", "sequencer.toml", "path to sequencer.toml")

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("sequencer: load config: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.Sequencer.Addr)
	if err != nil {
		log.Fatalf("sequencer: listen on %s: %v", cfg.Sequencer.Addr, err)
	}
	log.Printf("sequencer: listening on %s", cfg.Sequencer.Addr)

	srv := sequencer.NewServer(sequencer.New(), log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("sequencer: shutdown signal received")
		cancel()
	}()

	if err := srv.Serve(ctx, ln); err != nil {
		log.Fatalf("sequencer: serve: %v", err)
	}
}
