package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicebartender/canvas-relay/dispatch"
	"github.com/nicebartender/canvas-relay/protocol"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		target       targetFlags
		timeout      time.Duration
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "call <command> [params-json]",
		Short: "Send one command to the channel's host and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}

			client, err := connect(cmd.Context(), a, &target)
			if err != nil {
				return err
			}
			defer client.Close()

			opts := []dispatch.ExecuteOption{dispatch.WithTimeout(timeout)}
			if showProgress {
				opts = append(opts, dispatch.WithProgress(progressPrinter(cmd.ErrOrStderr())))
			}

			result, err := client.Execute(cmd.Context(), args[0], params, opts...)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	target.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Inactivity timeout (default: dispatcher.timeout)")
	cmd.Flags().BoolVar(&showProgress, "progress", false, "Print progress updates to stderr")

	return cmd
}

// connect builds a dispatcher for the resolved target and joins its channel.
func connect(ctx context.Context, a *app, target *targetFlags) (*dispatch.Client, error) {
	brokerURL, channel, err := target.resolve(a.cfg)
	if err != nil {
		return nil, err
	}

	opts := a.cfg.DispatchOptions()
	opts.Transport.URL = brokerURL
	client := dispatch.New(opts, a.log)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Join(ctx, channel); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func progressPrinter(w io.Writer) func(protocol.ProgressUpdate) {
	return func(u protocol.ProgressUpdate) {
		line := fmt.Sprintf("[%3d%%] %s", u.Progress, u.Status)
		if u.Chunked() {
			line += fmt.Sprintf(" chunk %d/%d", *u.CurrentChunk, *u.TotalChunks)
		}
		if u.Message != "" {
			line += " " + u.Message
		}
		fmt.Fprintln(w, line)
	}
}

func writeJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		// not JSON we can pretty-print; pass it through
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
