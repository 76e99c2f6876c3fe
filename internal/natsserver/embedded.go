package natsserver

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/followalong/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer runs a loopback-only NATS server so session events and
// transcripts can be journaled on JetStream without an external broker.
type EmbeddedServer struct {
	ns       *server.Server
	log      *slog.Logger
	storeDir string
	tempDir  bool
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// It returns nil when embedded mode is off. A port of -1 picks a free port.
// Without a store_dir the JetStream store lives in a temporary directory
// that is removed on Shutdown.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	storeDir, tempDir := cfg.StoreDir, false
	if storeDir == "" {
		dir, err := os.MkdirTemp("", "followalong-nats-*")
		if err != nil {
			return nil, fmt.Errorf("create jetstream store: %w", err)
		}
		storeDir, tempDir = dir, true
	}

	ns, err := server.NewServer(&server.Options{
		ServerName: "followalong",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	})
	if err != nil {
		if tempDir {
			_ = os.RemoveAll(storeDir)
		}
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		if tempDir {
			_ = os.RemoveAll(storeDir)
		}
		return nil, fmt.Errorf("embedded NATS server failed to start within %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir),
		slog.Bool("ephemeral_store", tempDir))

	return &EmbeddedServer{
		ns:       ns,
		log:      log.With(slog.String("component", "nats")),
		storeDir: storeDir,
		tempDir:  tempDir,
	}, nil
}

// ClientURL is the address clients should connect to.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// StoreDir is the JetStream store in use.
func (e *EmbeddedServer) StoreDir() string {
	if e == nil {
		return ""
	}
	return e.storeDir
}

// Shutdown stops the server and removes a temporary store.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
	if e.tempDir {
		if err := os.RemoveAll(e.storeDir); err != nil {
			e.log.Warn("remove jetstream store failed", slog.String("error", err.Error()))
		}
	}
}
