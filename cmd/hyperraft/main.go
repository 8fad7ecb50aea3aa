package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aurigraph/hyperraft/internal/config"
	"github.com/aurigraph/hyperraft/internal/consensus"
	"github.com/aurigraph/hyperraft/internal/statemachine"
	"github.com/aurigraph/hyperraft/internal/storage"
	"github.com/aurigraph/hyperraft/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hyperraft",
		Short: "HyperRAFT++ consensus node",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		nodeID     string
		bindAddr   string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a consensus node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags win over the file.
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if bindAddr != "" {
				cfg.BindAddress = bindAddr
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if cfg.BindAddress == "" {
				cfg.BindAddress = "127.0.0.1:7420"
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&nodeID, "id", "", "node ID (overrides config)")
	cmd.Flags().StringVar(&bindAddr, "bind", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the durable store (empty = in-memory)")
	return cmd
}

func serve(cfg config.Config) error {
	var store storage.Store
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		bolt, err := storage.OpenBbolt(filepath.Join(cfg.DataDir, "hyperraft.db"))
		if err != nil {
			return err
		}
		store = bolt
	} else {
		log.Println("[MAIN] No data dir configured, consensus state will not survive a restart")
		store = storage.NewInMemoryStore()
	}
	defer store.Close()

	engine, err := consensus.New(cfg, store, statemachine.NewKVStateMachine(cfg.NodeID))
	if err != nil {
		return err
	}

	peerAddrs := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.ID == cfg.NodeID {
			continue
		}
		peerAddrs[p.ID] = p.Address
	}
	trans, err := transport.NewGRPCTransport(cfg.BindAddress, engine, peerAddrs)
	if err != nil {
		return err
	}
	if err := trans.Listen(); err != nil {
		return err
	}
	engine.UseTransport(trans)

	serveErr := make(chan error, 1)
	go func() { serveErr <- trans.Serve() }()

	if err := engine.Start(); err != nil {
		return err
	}
	log.Printf("[MAIN] Node %s serving on %s", engine.ID(), trans.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[MAIN] Received %v, shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			log.Printf("[MAIN] Transport stopped: %v", err)
		}
	}

	engine.Stop()
	return nil
}
