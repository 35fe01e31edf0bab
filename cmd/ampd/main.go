package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/23blocks-OS/ai-maestro-amp/internal/config"
	"github.com/23blocks-OS/ai-maestro-amp/internal/directory"
	"github.com/23blocks-OS/ai-maestro-amp/internal/federation"
	"github.com/23blocks-OS/ai-maestro-amp/internal/keystore"
	"github.com/23blocks-OS/ai-maestro-amp/internal/logging"
	"github.com/23blocks-OS/ai-maestro-amp/internal/peers"
	"github.com/23blocks-OS/ai-maestro-amp/internal/relay"
	"github.com/23blocks-OS/ai-maestro-amp/internal/replay"
	"github.com/23blocks-OS/ai-maestro-amp/internal/routing"
	"github.com/23blocks-OS/ai-maestro-amp/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	keyBackend := keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(logger, keyBackend, passphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agents := seedAgents(logger, cfg)

	queue, err := relay.NewQueue(logger, filepath.Join(cfg.DataDir, "relay.json"), cfg.Relay.TTL, cfg.Relay.SweepInterval)
	if err != nil {
		logger.Fatal("open relay queue", zap.Error(err))
	}
	replayGuard, err := replay.NewGuard(logger, filepath.Join(cfg.DataDir, "replay.json"), cfg.Replay.Window, cfg.Replay.SweepInterval)
	if err != nil {
		logger.Fatal("open replay guard", zap.Error(err))
	}
	propagationGuard, err := replay.NewGuard(logger, filepath.Join(cfg.DataDir, "propagation.json"), cfg.Propagation.Window, cfg.Replay.SweepInterval)
	if err != nil {
		logger.Fatal("open propagation guard", zap.Error(err))
	}

	engine := routing.NewEngine(routing.Options{
		Log:             logger,
		Directory:       agents,
		Queue:           queue,
		Keys:            keyBackend,
		Provider:        cfg.Provider.Name,
		LocalSuffixes:   cfg.Provider.LocalSuffixes,
		DeliveryTimeout: cfg.Delivery.Timeout,
	})
	gateway := federation.NewGateway(federation.GatewayOptions{
		Log:     logger,
		Limiter: federation.NewFixedWindowLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests),
		Guard:   replayGuard,
		Engine:  engine,
	})

	peerDir, err := peers.NewDirectory(peers.Options{
		Log:  logger,
		Path: filepath.Join(cfg.DataDir, "peers.json"),
		Self: peers.Host{
			ID:          cfg.Host.ID,
			Name:        cfg.Host.Name,
			URL:         cfg.Host.URL,
			Description: cfg.Host.Description,
			Aliases:     cfg.Host.Aliases,
		},
		MaxDepth: cfg.Propagation.MaxDepth,
		Guard:    propagationGuard,
	})
	if err != nil {
		logger.Fatal("open peer directory", zap.Error(err))
	}
	propagator := peers.NewPropagator(peers.PropagatorOptions{
		Log:         logger,
		Directory:   peerDir,
		HTTPTimeout: cfg.Propagation.HTTPTimeout,
	})

	srv := server.New(server.Options{
		Config:     cfg,
		Log:        logger,
		Agents:     agents,
		Queue:      queue,
		Engine:     engine,
		Gateway:    gateway,
		Peers:      peerDir,
		Propagator: propagator,
		Version:    version,
	})

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func seedAgents(log *zap.Logger, cfg config.Config) *directory.Directory {
	agents := directory.New()
	for _, a := range cfg.Agents {
		err := agents.Upsert(directory.Agent{
			ID:          a.ID,
			Name:        a.Name,
			Address:     a.Name + "@" + cfg.Host.Name + "." + cfg.Provider.Name,
			SessionName: a.SessionName,
			Aliases:     a.Aliases,
			Token:       a.Token,
		})
		if err != nil {
			log.Fatal("seed agent", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}
	log.Info("agent directory seeded", zap.Int("agents", len(cfg.Agents)))
	return agents
}

func initOrUnlockKeystore(log *zap.Logger, backend keystore.KeyBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", getBackendPath(backend)))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}

// getBackendPath extracts the path if the backend is the FileBackend implementation.
func getBackendPath(backend keystore.KeyBackend) string {
	if fb, ok := backend.(*keystore.FileBackend); ok {
		return fb.Path()
	}
	return ""
}
