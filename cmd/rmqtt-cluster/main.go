package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/PJLys/rmqtt/config"
	"github.com/PJLys/rmqtt/pkg/cluster"
	"github.com/PJLys/rmqtt/pkg/logging"
	"github.com/PJLys/rmqtt/pkg/taskexec"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rmqtt-cluster",
		Short: "rmqtt-cluster - raft clustering for the rmqtt broker",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to configuration file")
	flags.Uint64("node-id", 0, "Local node id")
	flags.String("rpc-addr", "", "Node message listen address (host:port)")
	flags.StringSlice("node-grpc-addrs", nil, "Node message addresses, id@host:port")
	flags.StringSlice("raft-peer-addrs", nil, "Raft peer addresses, id@host:port")
	flags.String("data-dir", "", "Raft data directory, empty keeps raft state in memory")
	flags.String("log-level", "info", "Log level")

	bind(v, flags.Lookup, map[string]string{
		"node.id":                 "node-id",
		"node.rpc_addr":           "rpc-addr",
		"cluster.node_grpc_addrs": "node-grpc-addrs",
		"cluster.raft_peer_addrs": "raft-peer-addrs",
		"cluster.raft.data_dir":   "data-dir",
		"logging.level":           "log-level",
	})
	return cmd
}

func bind(v *viper.Viper, lookup func(string) *pflag.Flag, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, lookup(name)); err != nil {
			panic(err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := logging.New("rmqtt-cluster", cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	exec := taskexec.Init(cfg.Cluster.TaskExecQueueWorkers, cfg.Cluster.TaskExecQueueMax,
		taskexec.WithLogger(logger.Named("taskexec")))

	node := cluster.NewNode(cfg, logger, cluster.WithExecutor(exec))
	if err := node.Init(ctx); err != nil {
		return fmt.Errorf("init cluster node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	logger.Info("cluster node running", "id", cfg.Node.ID, "names", node.NodeNames())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	// The raft group cannot be left cleanly; the process just goes away.
	logger.Info("received shutdown signal", "signal", s.String())
	return nil
}
