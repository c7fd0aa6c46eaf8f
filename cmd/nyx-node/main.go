package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nyxmesh/nyx/config"
	"github.com/nyxmesh/nyx/dht"
	"github.com/nyxmesh/nyx/identity"
	"github.com/nyxmesh/nyx/overlay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node's YAML configuration")
	flag.Parse()

	logger := setupLogging()

	fmt.Printf("=== nyx node %s ===\n", Version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	id, err := identity.New()
	if err != nil {
		fmt.Printf("failed to generate identity: %v\n", err)
		os.Exit(1)
	}

	dhtNode, err := startDHTNode(cfg, logger)
	if err != nil {
		fmt.Printf("failed to start DHT node: %v\n", err)
		os.Exit(1)
	}

	for _, addr := range cfg.BootstrapPeers {
		if err := bootstrap(dhtNode, addr); err != nil {
			logger.Warn("bootstrap peer unreachable", "addr", addr, "error", err)
		}
	}

	node := overlay.NewNode(cfg, id, dhtNode, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := node.Listen(ctx); err != nil {
			logger.Error("overlay listener stopped", "error", err)
		}
	}()

	if err := node.AnnounceSelf(ctx); err != nil {
		logger.Warn("failed to announce self to the DHT", "error", err)
	}

	node.JoinMesh(ctx)

	go logEvents(ctx, node, logger)

	fmt.Printf("Listening on port %d (role=%s, mesh=%s)\n", cfg.Port, cfg.Role, cfg.MeshType)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	cancel()
	_ = node.Close()
}

func setupLogging() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler)
}

func startDHTNode(cfg config.Config, logger *slog.Logger) (*dht.Node, error) {
	selfID, err := dht.NewNodeID()
	if err != nil {
		return nil, fmt.Errorf("generate node id: %w", err)
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	node := dht.NewNode(selfID, conn, cfg.K, cfg.Alpha, logger)

	ctx := context.Background()
	go func() {
		if err := node.Run(ctx); err != nil {
			logger.Error("DHT node stopped", "error", err)
		}
	}()

	logger.Info("DHT node started", "node_id", selfID.String(), "port", cfg.Port)
	return node, nil
}

func bootstrap(node *dht.Node, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse bootstrap address %s: %w", addr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("parse bootstrap port %s: %w", addr, err)
	}
	return node.Ping(dht.Endpoint{Host: host, Port: port})
}

func logEvents(ctx context.Context, node *overlay.Node, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-node.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case "anonymous-message":
				var preview json.RawMessage = ev.Payload
				logger.Info("received anonymous message", "peer_id", ev.Peer, "payload", string(preview))
			case "peer-connected":
				logger.Info("peer connected", "peer_id", ev.Peer)
			}
		}
	}
}
