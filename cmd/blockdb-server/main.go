package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rishabh-tripathi/blockdb/pkg/blockdb"
	"github.com/rishabh-tripathi/blockdb/pkg/blog"
	"github.com/rishabh-tripathi/blockdb/pkg/bmetrics"
	"github.com/rishabh-tripathi/blockdb/pkg/config"
	"github.com/rishabh-tripathi/blockdb/pkg/consensus"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "blockdb-server",
	Short:   "BlockDB - a tamper-evident, replicated key-value store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"blockdb-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	blog.Init(blog.Config{
		Level:      blog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a BlockDB node",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().String("node-id", "node-1", "unique id of this node")
	runCmd.Flags().String("data-dir", "./blockdb_data", "on-disk data directory")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7000", "address this node's Raft transport listens on")
	runCmd.Flags().StringSlice("peer", nil, "peer in id=host:port form, repeatable")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9100", "address the Prometheus metrics endpoint listens on")
}

func runNode(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	peerFlags, _ := cmd.Flags().GetStringSlice("peer")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfg := config.Default()
	cfg.DataDir = dataDir

	peers, err := parsePeers(peerFlags)
	if err != nil {
		return err
	}

	raftCfg := consensus.Config{
		NodeID:             consensus.NodeID(nodeID),
		Peers:              peers,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
	}

	transport, err := consensus.NewTCPTransport(consensus.NodeID(nodeID), bindAddr, peers)
	if err != nil {
		return fmt.Errorf("start raft transport: %w", err)
	}

	db, err := blockdb.Open(blockdb.Options{
		Config:             cfg,
		EnableTransactions: true,
		Consensus:          &raftCfg,
		Transport:          transport,
	})
	if err != nil {
		return fmt.Errorf("open blockdb node: %w", err)
	}

	nodeLogger := blog.WithNodeID(nodeID)
	nodeLogger.Info().Msg("starting blockdb node")

	mux := http.NewServeMux()
	mux.Handle("/metrics", bmetrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			blog.Errorf("metrics server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownLogger := blog.WithNodeID(nodeID)
	shutdownLogger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	return db.Close()
}

func parsePeers(flags []string) (map[consensus.NodeID]consensus.NodeAddress, error) {
	peers := make(map[consensus.NodeID]consensus.NodeAddress)
	for _, f := range flags {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --peer %q, want id=host:port", f)
		}
		hostPort := strings.SplitN(parts[1], ":", 2)
		if len(hostPort) != 2 {
			return nil, fmt.Errorf("invalid --peer %q, want id=host:port", f)
		}
		port, err := strconv.Atoi(hostPort[1])
		if err != nil {
			return nil, fmt.Errorf("invalid port in --peer %q: %w", f, err)
		}
		peers[consensus.NodeID(parts[0])] = consensus.NodeAddress{Host: hostPort[0], Port: port}
	}
	return peers, nil
}
