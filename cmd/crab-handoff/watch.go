package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-handoff/internal/client"
	"crabstack.local/projects/crab-handoff/internal/protocol"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		server    string
		workspace string
		agentID   string
		agentName string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a workspace dashboard and print its events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(server) == "" {
				server = localServerURL(a.cfg.HTTPAddr)
			}
			c, err := client.New(client.Config{
				ServerURL:   server,
				Role:        protocol.ConnectionRoleAgent,
				WorkspaceID: workspace,
				AgentID:     agentID,
				AgentName:   agentName,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, c, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Handoff server base url (default: the local http addr)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace to watch")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Agent id to register, so transfers can reach this connection")
	cmd.Flags().StringVar(&agentName, "agent-name", "", "Agent display name")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

type dashboardClient interface {
	Connect(ctx context.Context) error
	JoinDashboard(ctx context.Context) error
	Events() <-chan protocol.Envelope
	Errors() <-chan error
	Done() <-chan struct{}
	Close() error
}

// watch prints one line per event until ctx ends or the server hangs up.
func watch(ctx context.Context, c dashboardClient, out io.Writer) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()
	if err := c.JoinDashboard(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return nil
		case err := <-c.Errors():
			return err
		case env := <-c.Events():
			fmt.Fprintf(out, "%s %s\n", env.Event, strings.TrimSpace(string(env.Data)))
		}
	}
}

func localServerURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
