package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicebartender/canvas-relay/broker"
	"github.com/nicebartender/canvas-relay/journal"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		host        string
		port        int
		journalPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if cmd.Flags().Changed("journal") {
				a.cfg.Journal.Path = journalPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (default: server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (default: server.port)")
	cmd.Flags().StringVar(&journalPath, "journal", "", "SQLite journal path; empty disables the journal")

	return cmd
}

func runServe(ctx context.Context, a *app) error {
	var (
		opts   []broker.Option
		events broker.EventSource
	)
	if path := a.cfg.Journal.Path; path != "" {
		j, err := journal.Open(path, a.log)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, broker.WithRecorder(j))
		events = j
		a.log.Info("broker journal enabled", zap.String("path", path))
	}

	hub := broker.NewHub(a.log, opts...)
	hubCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-hub.Done()
	}()
	go hub.Run(hubCtx)

	srv := broker.NewServer(hub, events, a.log)
	return srv.ListenAndServe(ctx, a.cfg.Server.Addr())
}
