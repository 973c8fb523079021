// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/warden-auth/warden/internal/config"
)

const statusTimeout = 2 * time.Second

// ServerStatus holds the health of a running warden server.
type ServerStatus struct {
	Addr  string `json:"addr"`
	Live  bool   `json:"live"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type statusConfig struct {
	metricsAddr string
	jsonOutput  bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running warden server",
		Long: `Query the liveness and readiness endpoints served on the metrics
address of a running warden server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: statusTimeout}
			return runStatus(cmd, cfg, client)
		},
	}

	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", config.DefaultMetricsAddr, "metrics listener of the server to query")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig, client *http.Client) error {
	status := queryServerStatus(cmd.Context(), client, cfg.metricsAddr)

	if cfg.jsonOutput {
		output, err := formatStatusJSON(status)
		if err != nil {
			return oops.Wrapf(err, "failed to format JSON")
		}
		cmd.Println(output)
		return nil
	}

	cmd.Println(formatStatusTable(status))
	return nil
}

// queryServerStatus checks the health endpoints. A check that cannot
// connect records the error and leaves the flags false.
func queryServerStatus(ctx context.Context, client *http.Client, addr string) ServerStatus {
	status := ServerStatus{Addr: addr}

	live, err := checkEndpoint(ctx, client, addr, "/healthz/liveness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Live = live

	ready, err := checkEndpoint(ctx, client, addr, "/healthz/readiness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Ready = ready
	return status
}

func checkEndpoint(ctx context.Context, client *http.Client, addr, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, http.NoBody)
	if err != nil {
		return false, oops.With("path", path).Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, oops.With("path", path).Wrapf(err, "server not reachable")
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK, nil
}

func formatStatusTable(status ServerStatus) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "ADDR\tLIVE\tREADY\tERROR")
	errMsg := status.Error
	if errMsg == "" {
		errMsg = "-"
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", status.Addr, yesNo(status.Live), yesNo(status.Ready), errMsg)
	_ = w.Flush()

	return strings.TrimRight(sb.String(), "\n")
}

func formatStatusJSON(status ServerStatus) (string, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
