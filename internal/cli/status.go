package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/pkg/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query a running clipflow daemon over its stream endpoint.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.Stream.Enabled {
		return fmt.Errorf("status requires the stream server to be enabled")
	}

	base := fmt.Sprintf("http://%s:%d", cfg.Stream.Host, cfg.Stream.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(base + "/healthz")
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: unhealthy")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Status: running")
	fmt.Fprintf(cmd.OutOrStdout(), "Endpoint: %s\n", base)

	resp, err = client.Get(base + "/sessions")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var sessions []*session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Active sessions: %d\n", len(sessions))
	return nil
}
