package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicebartender/canvas-relay/dispatch"
)

func newBatchCmd(a *app) *cobra.Command {
	var (
		target      targetFlags
		timeout     time.Duration
		chunkSize   int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Run JSON-lines commands through the batch executor",
		Long:  "Each input line is {\"command\": \"...\", \"params\": {...}}, optionally with a \"channel\" that overrides the target channel for that call. Reads stdin when file is omitted or \"-\". Prints one outcome per line in input order.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open batch file: %w", err)
				}
				defer f.Close()
				in = f
			}
			calls, err := readCalls(in)
			if err != nil {
				return err
			}
			if len(calls) == 0 {
				return fmt.Errorf("no calls in input")
			}

			brokerURL, channel, err := target.resolve(a.cfg)
			if err != nil {
				return err
			}
			pool := dispatch.NewPool(a.cfg.DispatchOptions(), a.log)
			defer pool.Close()
			// fail on a bad target before any call runs
			if _, err := pool.Get(cmd.Context(), brokerURL, channel); err != nil {
				return err
			}

			opts := a.cfg.BatchOptions()
			if chunkSize > 0 {
				opts.ChunkSize = chunkSize
			}
			if concurrency > 0 {
				opts.Concurrency = concurrency
			}
			stderr := cmd.ErrOrStderr()
			opts.OnProgress = func(done, total int) {
				fmt.Fprintf(stderr, "batch: %d/%d\n", done, total)
			}

			outcomes := pool.ExecuteBatch(cmd.Context(), brokerURL, channel, calls, opts, dispatch.WithTimeout(timeout))

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for _, o := range outcomes {
				if !o.OK() {
					failed++
				}
				if err := enc.Encode(o); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d calls failed", failed, len(outcomes))
			}
			return nil
		},
	}

	target.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Inactivity timeout per call (default: dispatcher.timeout)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Calls per chunk (default: batch.chunkSize)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent calls within a chunk (default: batch.concurrency)")

	return cmd
}

func readCalls(r io.Reader) ([]dispatch.Call, error) {
	var calls []dispatch.Call
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var c dispatch.Call
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if c.Command == "" {
			return nil, fmt.Errorf("line %d: command is required", line)
		}
		calls = append(calls, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read batch input: %w", err)
	}
	return calls, nil
}
