package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PJLys/rmqtt/pkg/cluster"
	"github.com/PJLys/rmqtt/pkg/cluster/raft"
	"github.com/PJLys/rmqtt/pkg/transport"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster operations",
	}

	cmd.AddCommand(clusterStatusCmd())
	cmd.AddCommand(clusterLeaderCmd())
	cmd.AddCommand(clusterAttrsCmd())
	cmd.AddCommand(clusterPingCmd())

	return cmd
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
}

func clusterStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the raft status of a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			st, err := raft.QueryStatus(ctx, raftAddr)
			if err != nil {
				return err
			}
			fmt.Printf("Node: %d\n", st.ID)
			fmt.Printf("State: %s\n", st.State)
			fmt.Printf("Term: %d\n", st.Term)
			fmt.Printf("Leader: %d (%s)\n", st.LeaderID, st.LeaderAddr)
			fmt.Printf("Started: %t\n", st.Started())
			fmt.Printf("Commit Index: %d\n", st.CommitIndex)
			fmt.Printf("Applied Index: %d\n", st.AppliedIndex)
			fmt.Printf("Peers: %d\n", st.NumPeers)
			return nil
		},
	}
}

func clusterLeaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leader",
		Short: "Get current leader node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			li, known, err := raft.QueryLeader(ctx, raftAddr)
			if err != nil {
				return err
			}
			if !known {
				fmt.Println("No leader")
				return nil
			}
			fmt.Printf("Leader: %d (%s)\n", li.ID, li.Addr)
			return nil
		},
	}
}

func sendMessage(kind cluster.MessageKind) ([]byte, error) {
	ctx, cancel := requestContext()
	defer cancel()

	c, err := transport.Dial(ctx, serverAddr, transport.ClientOptions{MaxInflight: 1})
	if err != nil {
		return nil, err
	}
	defer c.Close()

	msg, err := json.Marshal(cluster.Message{Kind: kind})
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, transport.MessageType(messageType), msg)
}

func clusterAttrsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attrs",
		Short: "Dump the observability snapshot of a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendMessage(cluster.KindAttrs)
			if err != nil {
				return err
			}
			var attrs cluster.Attrs
			if err := json.Unmarshal(reply, &attrs); err != nil {
				return fmt.Errorf("decode attrs: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(attrs)
		},
	}
}

func clusterPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that a node answers cluster messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			reply, err := sendMessage(cluster.KindPing)
			if err != nil {
				return err
			}
			var pong cluster.Pong
			if err := json.Unmarshal(reply, &pong); err != nil {
				return fmt.Errorf("decode pong: %w", err)
			}
			fmt.Printf("Pong from %s in %s\n", pong.Name, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}
