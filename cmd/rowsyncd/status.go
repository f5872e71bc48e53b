package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rowsync/config"

	"github.com/spf13/cobra"
)

// statusReport mirrors the daemon's GET /v1/status payload.
type statusReport struct {
	Tables      []string          `json:"tables"`
	Connections int               `json:"connections"`
	Partitions  []partitionStatus `json:"partitions"`
}

type partitionStatus struct {
	Partition         string `json:"partition"`
	LatestCommitSeq   int64  `json:"latestCommitSeq"`
	OldestRetainedSeq int64  `json:"oldestRetainedSeq"`
	Commits           int64  `json:"commits"`
	Chunks            int64  `json:"chunks"`
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show commit log and connection stats of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			configureOutput()

			report, err := fetchStatus(cfg.Listen)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), cfg.Listen, report)
			return nil
		},
	}
}

func fetchStatus(listen string) (*statusReport, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + listen + "/v1/status")
	if err != nil {
		return nil, fmt.Errorf("reach daemon at %s: %w", listen, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, nil
}

func renderStatus(w io.Writer, listen string, report *statusReport) {
	fmt.Fprintln(w, keyValues(
		kv("daemon", listen),
		kv("tables", strings.Join(report.Tables, ", ")),
		kv("connections", strconv.Itoa(report.Connections)),
	))

	if len(report.Partitions) == 0 {
		fmt.Fprintln(w, muted("no partitions yet"))
		return
	}

	rows := make([][]string, 0, len(report.Partitions))
	for _, p := range report.Partitions {
		rows = append(rows, []string{
			p.Partition,
			strconv.FormatInt(p.LatestCommitSeq, 10),
			strconv.FormatInt(p.OldestRetainedSeq, 10),
			strconv.FormatInt(p.Commits, 10),
			strconv.FormatInt(p.Chunks, 10),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"PARTITION", "LATEST", "OLDEST", "COMMITS", "CHUNKS"}, rows))
}
