package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aporia-zero/peernet/pkg/api"
	"github.com/aporia-zero/peernet/pkg/p2p"
	"github.com/aporia-zero/peernet/pkg/peerstore"
	"github.com/aporia-zero/peernet/pkg/relay"
	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
		dataDir    string
	)

	root := &cobra.Command{
		Use:           "peernetd",
		Short:         "Peer-to-peer transport and transaction relay daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := initLogger(logLevel)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer logger.Sync()

			config, err := loadConfig(configPath)
			if err != nil {
				logger.Error("Failed to load configuration",
					zap.Error(err),
					zap.String("path", configPath))
				return err
			}
			if dataDir != "" {
				config.Storage.DataDir = dataDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, config, logger)
		},
	}
	run.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	run.Flags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	run.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the peer store, empty keeps it in memory")

	root.AddCommand(run)
	return root
}

func initLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config.Build()
}

// runDaemon wires the node, relay, store and API and blocks until ctx is
// done and every component has shut down.
func runDaemon(ctx context.Context, config *Config, logger *zap.Logger) (err error) {
	nodeConfig, err := config.nodeConfig()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := peerstore.Open(config.Storage.DataDir, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	d := sched.NewDispatcher(sched.WithLogger(logger.Named("sched")))
	node := p2p.NewNode(d, nodeConfig,
		p2p.WithLogger(logger.Named("p2p")),
		p2p.WithMetrics(p2p.NewMetrics(registry)))
	loadPeerlist(store, node, logger)

	rl := relay.New(d, node, config.relayConfig(), nil, logger.Named("relay"))

	var server *api.APIServer
	if config.apiEnabled() {
		server, err = api.NewAPIServer(config.apiConfig(), &api.APIServices{
			NodeService: p2p.NewInspector(node),
			TxService:   rl,
		}, api.WithLogger(logger.Named("api")), api.WithRegistry(registry))
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = multierr.Append(err, server.Stop(shutdownCtx))
		}()
	}

	mainTask := d.Spawn(func(t *sched.Task) error {
		if err := node.Start(); err != nil {
			return fmt.Errorf("starting P2P node: %w", err)
		}
		relayTask := d.Spawn(rl.Run)

		// Block on the signal context without holding the dispatcher.
		_, _ = sched.Await(t, func(c context.Context) (struct{}, error) {
			select {
			case <-ctx.Done():
			case <-c.Done():
			}
			return struct{}{}, nil
		}, nil)
		logger.Info("Shutting down services...")

		err := node.Stop(t)
		err = multierr.Append(err, relayTask.Join(t))
		if saveErr := store.SaveSnapshot(peerstore.PeerlistKey, node); saveErr != nil {
			logger.Error("Failed to save peer list", zap.Error(saveErr))
		}
		return err
	})

	if err := d.Run(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if err := mainTask.Err(); err != nil {
		logger.Error("Node exited with error", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// loadPeerlist restores the saved peer list. Failures only cost the node
// its memory of peers.
func loadPeerlist(store *peerstore.Store, node *p2p.Node, logger *zap.Logger) {
	err := store.LoadSnapshot(peerstore.PeerlistKey, node)
	switch {
	case err == nil:
		info := node.NodeInfo()
		logger.Info("Loaded peer list",
			zap.Int("white", info.WhitePeers),
			zap.Int("gray", info.GrayPeers))
	case errors.Is(err, peerstore.ErrNoSnapshot):
		logger.Info("No saved peer list, starting empty")
	default:
		logger.Warn("Discarding unreadable peer list", zap.Error(err))
	}
}
