// Command dbproxy runs the reference DB-proxy executor: a real SQL
// engine (modernc.org/sqlite) behind the Scheduler-facing wire
// contract.
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
	"github.com/o2versioner/coordinator/internal/dbproxy"
)

var (
	flagConfig = flag.String("config", "dbproxy.toml", "path to the TOML config file")
	flagIndex  = flag.Int("index", 0, "index into the config's [[dbproxy]] array identifying this replica")
	flagDSN    = flag.String("dsn", "", "override sql_addr from the config (e.g. :memory:, or a file path)")
	flagSeed   = flag.String("seed", "", "optional seed.yaml fixture to load at startup")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("dbproxy: load config: %v", err)
	}
	if *flagIndex < 0 || *flagIndex >= len(cfg.DbProxy) {
		log.Fatalf("dbproxy: index %d out of range for %d configured replicas", *flagIndex, len(cfg.DbProxy))
	}
	replica := cfg.DbProxy[*flagIndex]

	dsn := replica.SQLAddr
	if *flagDSN != "" {
		dsn = *flagDSN
	}
	store, err := dbproxy.Open(dsn)
	if err != nil {
		log.Fatalf("dbproxy: open store: %v", err)
	}
	defer store.Close()

	if *flagSeed != "" {
		manifest, err := dbproxy.LoadSeedManifest(*flagSeed)
		if err != nil {
			log.Fatalf("dbproxy: load seed manifest: %v", err)
		}
		if err := manifest.Apply(context.Background(), store); err != nil {
			log.Fatalf("dbproxy: apply seed manifest: %v", err)
		}
		log.Printf("dbproxy: applied seed manifest %s", *flagSeed)
	}

	ln, err := net.Listen("tcp", replica.Addr)
	if err != nil {
		log.Fatalf("dbproxy: listen on %s: %v", replica.Addr, err)
	}
	log.Printf("dbproxy: listening on %s, backed by %s", replica.Addr, dsn)

	srv := dbproxy.NewServer(store, log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("dbproxy: shutdown signal received")
		cancel()
	}()

	if err := srv.Serve(ctx, ln); err != nil {
		log.Fatalf("dbproxy: serve: %v", err)
	}
}
