package commands

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/conclave/internal/api/mcp"
	"github.com/scrypster/conclave/internal/engine"
	"github.com/scrypster/conclave/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		port  int
		host  string
		stdio bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and WebSocket event feed",
		Long: `Run the HTTP API until interrupted. With --stdio the MCP server also
answers on stdin/stdout from the same process, sharing one store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			ctx := cmd.Context()
			e, err := a.openEngine(ctx, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := e.Close(); err != nil {
					a.log.Error("engine close failed", zap.Error(err))
				}
			}()

			srv := server.New(e, a.log, version)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			if stdio {
				t := newStdio(e, cmd.InOrStdin(), cmd.OutOrStdout(), a.log)
				g.Go(func() error { return serveStdio(gctx, t) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (env CONCLAVE_PORT)")
	cmd.Flags().StringVar(&host, "host", "", "listen host (env CONCLAVE_HOST)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "also serve MCP on stdin/stdout")
	return cmd
}

func (a *app) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP protocol on stdin/stdout",
		Long: `Serve line-delimited JSON-RPC 2.0 on stdin/stdout for MCP clients.
Stdout carries protocol frames only; logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.openEngine(ctx, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := e.Close(); err != nil {
					a.log.Error("engine close failed", zap.Error(err))
				}
			}()
			a.log.Info("mcp server ready",
				zap.String("version", version),
				zap.String("storage", a.cfg.Storage.StorageEngine))
			return serveStdio(ctx, newStdio(e, cmd.InOrStdin(), cmd.OutOrStdout(), a.log))
		},
	}
}

func newStdio(e *engine.Engine, in io.Reader, out io.Writer, log *zap.Logger) *mcp.StdioTransport {
	srv := mcp.NewServer(e, mcp.WithLogger(log), mcp.WithVersion(version))
	return mcp.NewStdioTransport(srv, in, out, log)
}

// serveStdio runs t until stdin closes or ctx is cancelled. A blocked read
// on stdin does not hold up shutdown.
func serveStdio(ctx context.Context, t *mcp.StdioTransport) error {
	done := make(chan error, 1)
	go func() { done <- t.Serve(ctx) }()
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}
