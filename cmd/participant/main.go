package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ledgerfabric/ledger2pc/pkg/config"
	"github.com/ledgerfabric/ledger2pc/pkg/participant"
)

func main() {
	id := flag.String("id", "", "This participant's node id (required)")
	host := flag.String("host", "localhost", "Host to bind on")
	port := flag.Int("port", 9100, "Port to bind on")
	dataDir := flag.String("data-dir", ".", "Directory for this participant's WAL and snapshot")
	configFile := flag.String("config", "", "Optional .properties file overlay (flags win over file values)")
	flag.Parse()

	cfg := config.Participant{ID: *id, Host: *host, Port: *port, DataDir: *dataDir}

	overlay, err := config.LoadOverlay(*configFile)
	if err != nil {
		log.Fatalf("[Participant] %v", err)
	}
	config.ApplyParticipantOverlay(&cfg, overlay)

	if cfg.ID == "" {
		log.Fatal("[Participant] --id is required")
	}

	p, err := participant.Open(cfg.ID, cfg.DataDir)
	if err != nil {
		log.Fatalf("[Participant %s] failed to open: %v", cfg.ID, err)
	}
	defer p.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := participant.NewServer(p, addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[Participant %s] shutting down", cfg.ID)
		server.Close()
	}()

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("[Participant %s] server error: %v", cfg.ID, err)
	}
}
