package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr  string
	raftAddr    string
	messageType uint64
	timeout     int
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "rmqtt-cli",
		Short: "rmqtt-cli - inspect rmqtt cluster nodes",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:5363", "Node message address")
	rootCmd.PersistentFlags().StringVar(&raftAddr, "raft", "localhost:6003", "Raft address")
	rootCmd.PersistentFlags().Uint64Var(&messageType, "message-type", 198, "Cluster message type")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")

	rootCmd.AddCommand(clusterCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
