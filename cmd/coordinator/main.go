package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgerfabric/ledger2pc/pkg/audit"
	"github.com/ledgerfabric/ledger2pc/pkg/config"
	"github.com/ledgerfabric/ledger2pc/pkg/coordinator"
)

func main() {
	host := flag.String("host", "localhost", "Host to bind the coordinator's client listener on")
	port := flag.Int("port", 9000, "Port to bind the coordinator's client listener on")
	nodes := flag.String("nodes", "", "Comma-separated participant map: id:host:port,id:host:port,...")
	dataDir := flag.String("data-dir", ".", "Directory for the coordinator's decision log")
	prepareTimeout := flag.Duration("prepare-timeout", 5*time.Second, "Per-transaction PREPARE phase timeout")
	commitTimeout := flag.Duration("commit-timeout", 5*time.Second, "Per-transaction COMMIT/ABORT delivery timeout")
	auditDSN := flag.String("audit-dsn", "", "Optional Postgres DSN for a best-effort audit mirror of the decision log")
	configFile := flag.String("config", "", "Optional .properties file overlay (flags win over file values)")
	flag.Parse()

	cfg := config.Coordinator{
		Host:           *host,
		Port:           *port,
		DataDir:        *dataDir,
		PrepareTimeout: *prepareTimeout,
		CommitTimeout:  *commitTimeout,
		AuditDSN:       *auditDSN,
	}
	if *nodes != "" {
		parsed, err := config.ParseNodeMap(*nodes)
		if err != nil {
			log.Fatalf("[Coordinator] %v", err)
		}
		cfg.Nodes = parsed
	}

	overlay, err := config.LoadOverlay(*configFile)
	if err != nil {
		log.Fatalf("[Coordinator] %v", err)
	}
	if err := config.ApplyCoordinatorOverlay(&cfg, overlay); err != nil {
		log.Fatalf("[Coordinator] %v", err)
	}

	if len(cfg.Nodes) == 0 {
		log.Fatal("[Coordinator] at least one participant is required, use --nodes id:host:port,...")
	}

	nodeMap := make(map[string]string, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodeMap[n.ID] = n.Addr
	}

	var auditSink *audit.Sink
	if cfg.AuditDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sink, err := audit.Open(ctx, cfg.AuditDSN)
		cancel()
		if err != nil {
			log.Printf("[Coordinator] audit mirror unavailable, continuing without it: %v", err)
		} else {
			auditSink = sink
			defer auditSink.Close()
		}
	}

	coord, err := coordinator.New(coordinator.Options{
		Nodes:          nodeMap,
		DataDir:        cfg.DataDir,
		PrepareTimeout: cfg.PrepareTimeout,
		CommitTimeout:  cfg.CommitTimeout,
		Audit:          auditSink,
	})
	if err != nil {
		log.Fatalf("[Coordinator] failed to start: %v", err)
	}
	defer coord.Close()

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Recover(recoverCtx); err != nil {
		log.Printf("[Coordinator] recovery encountered an error: %v", err)
	}
	recoverCancel()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := coordinator.NewServer(coord, addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[Coordinator] shutting down")
		server.Close()
	}()

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("[Coordinator] server error: %v", err)
	}
}
