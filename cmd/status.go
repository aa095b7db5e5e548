package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicebartender/canvas-relay/broker"
	"github.com/nicebartender/canvas-relay/transport"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		brokerURL string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch the broker's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if brokerURL == "" {
				brokerURL = a.cfg.Transport.BrokerURL
			}
			url, err := transport.StatusURL(transport.NormalizeURL(brokerURL))
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch broker status: %w", err)
			}
			defer resp.Body.Close()

			var s broker.Status
			if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
				return fmt.Errorf("decode broker status: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), renderStatus(s))
			return err
		},
	}

	cmd.Flags().StringVar(&brokerURL, "broker", "", "Broker URL (default: transport.brokerUrl)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")

	return cmd
}

func renderStatus(s broker.Status) string {
	var b strings.Builder
	state := "running"
	if !s.Running {
		state = "stopped"
	}
	fmt.Fprintf(&b, "broker: %s (up %s)\n", state, time.Duration(s.UptimeSeconds)*time.Second)
	fmt.Fprintf(&b, "channels: %d  connections: %d  relayed: %d  errors: %d\n",
		s.Channels, s.Connections, s.Relayed, s.Errors)

	names := make([]string, 0, len(s.Members))
	for name := range s.Members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %d\n", name, s.Members[name])
	}
	return b.String()
}
