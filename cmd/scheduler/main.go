// Command scheduler runs the Scheduler process: one session per client
// connection, the Dispatcher actor, the Transceiver pool to every DB
// proxy replica, and the admin command channel.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/o2versioner/coordinator/internal/admin"
	"github.com/o2versioner/coordinator/internal/config"
	"github.com/o2versioner/coordinator/internal/dispatcher"
	"github.com/o2versioner/coordinator/internal/perfexport"
	"github.com/o2versioner/coordinator/internal/scheduler"
	"github.com/o2versioner/coordinator/internal/sequencer"
	"github.com/o2versioner/coordinator/internal/transceiver"
)

var flagConfig = flag.String("config", "scheduler.toml", "path to the TOML config file")

// adminController adapts the scheduler's process-wide collaborators to
// admin.Controller and admin.StatsSource.
type adminController struct {
	seqPool  *sequencer.Pool
	dbvn     *dispatcher.DbVNManager
	registry *scheduler.Registry
	perfDir  string
	cancel   context.CancelFunc
}

func (c *adminController) Block() (string, error)   { return c.seqPool.Block() }
func (c *adminController) Unblock() (string, error) { return c.seqPool.Unblock() }
func (c *adminController) Shutdown()                { c.cancel() }

func (c *adminController) DumpPerf() (string, error) {
	replicas := make([]perfexport.ReplicaStats, 0, len(c.dbvn.Replicas()))
	for _, addr := range c.dbvn.Replicas() {
		replicas = append(replicas, perfexport.ReplicaStats{Addr: addr, VersionSum: c.dbvn.VersionSum(addr)})
	}
	return perfexport.Dump(c.perfDir, time.Now(), false, c.registry.Snapshot(), replicas)
}

func (c *adminController) ConnectionCount() int { return len(c.registry.Snapshot()) }
func (c *adminController) ReplicaSnapshot() map[string]map[string]uint64 { return c.dbvn.Snapshot() }

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("scheduler: load config: %v", err)
	}

	seqPool := sequencer.NewPool(cfg.Sequencer.Addr, cfg.Scheduler.SequencerPoolSize)
	defer seqPool.Close()

	replicaAddrs := make([]string, len(cfg.DbProxy))
	for i, r := range cfg.DbProxy {
		replicaAddrs[i] = r.Addr
	}
	dbvn := dispatcher.NewDbVNManager(replicaAddrs)
	links := transceiver.NewPool(replicaAddrs, cfg.Scheduler.TransceiverQueueSize, log.Default())
	defer links.Close()

	disp := dispatcher.New(dbvn, links, cfg.Scheduler.DispatcherQueueSize, log.Default())
	defer disp.Close()

	registry := scheduler.NewRegistry()
	housekeeper, err := scheduler.NewHousekeeper(registry, "*/30 * * * * *", log.Default())
	if err != nil {
		log.Fatalf("scheduler: housekeeper: %v", err)
	}
	housekeeper.Start()
	defer housekeeper.Stop()

	ln, err := net.Listen("tcp", cfg.Scheduler.Addr)
	if err != nil {
		log.Fatalf("scheduler: listen on %s: %v", cfg.Scheduler.Addr, err)
	}
	log.Printf("scheduler: listening on %s", cfg.Scheduler.Addr)

	srv := scheduler.NewServer(seqPool, disp, cfg.Scheduler, registry, log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctl := &adminController{seqPool: seqPool, dbvn: dbvn, registry: registry, perfDir: cfg.Scheduler.PerfLogDir, cancel: cancel}

	if cfg.Scheduler.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", cfg.Scheduler.AdminAddr)
		if err != nil {
			log.Fatalf("scheduler: admin listen on %s: %v", cfg.Scheduler.AdminAddr, err)
		}
		adminSrv := admin.NewServer(ctl, log.Default())
		go func() {
			if err := adminSrv.Serve(ctx, adminLn); err != nil {
				log.Printf("scheduler: admin serve: %v", err)
			}
		}()
		log.Printf("scheduler: admin channel listening on %s", cfg.Scheduler.AdminAddr)
	}

	if cfg.Scheduler.AdminGRPCAddr != "" {
		grpcLn, err := net.Listen("tcp", cfg.Scheduler.AdminGRPCAddr)
		if err != nil {
			log.Fatalf("scheduler: admin gRPC listen on %s: %v", cfg.Scheduler.AdminGRPCAddr, err)
		}
		go func() {
			if err := admin.ServeGRPC(grpcLn, ctl); err != nil {
				log.Printf("scheduler: admin gRPC serve: %v", err)
			}
		}()
		log.Printf("scheduler: admin introspection gRPC listening on %s", cfg.Scheduler.AdminGRPCAddr)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("scheduler: shutdown signal received")
		cancel()
	}()

	if err := srv.Serve(ctx, ln); err != nil {
		log.Fatalf("scheduler: serve: %v", err)
	}
}
