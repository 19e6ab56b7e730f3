package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vuramp/internal/config"
	"vuramp/internal/storage"
	"vuramp/internal/styles"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List stored runs, or show one of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString(config.KeyHistory)
		if path == "" {
			return errors.New("no history database configured")
		}
		store, err := storage.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			item, err := store.Get(args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return writeIndented(out, item)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		items, err := store.List(limit)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeIndented(out, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(out, styles.Subtle.Render("No runs recorded in "+path))
			return nil
		}
		fmt.Fprintln(out, historyTable(items))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to list (0 = all)")
	historyCmd.Flags().Bool("json", false, "Print the runs as JSON")
}

func historyTable(items []storage.HistoryItem) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		s := it.Summary
		verdict := styles.Success.Render("passed")
		if !s.Passed {
			verdict = styles.Error.Render("failed")
		}
		rows = append(rows, []string{
			it.ID,
			it.Timestamp.Local().Format(time.DateTime),
			it.Scenario,
			fmt.Sprintf("%.0fs", s.DurationSec),
			fmt.Sprint(s.PeakVUs),
			fmt.Sprintf("%d/%d", s.RequestsFailed, s.Requests),
			fmt.Sprintf("%d/%d", s.ChecksFailed, s.ChecksPassed+s.ChecksFailed),
			fmt.Sprintf("%.1fms", s.P95LatencyMs),
			verdict,
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.TableBorder).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.HeaderCell
			}
			return styles.Cell
		}).
		Headers("id", "started", "scenario", "duration", "peak vus", "failed reqs", "failed checks", "p(95)", "result").
		Rows(rows...).
		String()
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

