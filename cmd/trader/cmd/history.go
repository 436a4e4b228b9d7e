package cmd

import (
	"fmt"
	"time"

	"github.com/rustyeddy/tradeengine/journal"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show closed trades from the SQLite journal",
	Long: `List trades closed in a time window, newest window defaulting to today.

Examples:
  trader history
  trader history --since 2024-01-15 --until 2024-01-20 --summary
  trader history trade pos_01HS9Q4ZK3ABCDEFGH`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyTradeCmd = &cobra.Command{
	Use:   "trade <position-id>",
	Short: "Show one closed trade",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryTrade,
}

var (
	historyDBPath  string
	historySince   string
	historyUntil   string
	historySummary bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyTradeCmd)

	historyCmd.PersistentFlags().StringVarP(&historyDBPath, "db", "d", "./trader.sqlite", "path to SQLite journal DB")
	historyCmd.Flags().StringVar(&historySince, "since", "", "first day to include, YYYY-MM-DD (default today)")
	historyCmd.Flags().StringVar(&historyUntil, "until", "", "last day to include, YYYY-MM-DD (default --since)")
	historyCmd.Flags().BoolVar(&historySummary, "summary", false, "append win/loss totals")
}

func runHistory(cmd *cobra.Command, args []string) error {
	loc := time.Local
	since := historySince
	if since == "" {
		since = time.Now().In(loc).Format("2006-01-02")
	}
	until := historyUntil
	if until == "" {
		until = since
	}

	start, _, err := dayBounds(loc, since)
	if err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	_, end, err := dayBounds(loc, until)
	if err != nil {
		return fmt.Errorf("--until: %w", err)
	}
	if !end.After(start) {
		return fmt.Errorf("--until %s is before --since %s", until, since)
	}

	j, err := journal.NewSQLite(historyDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	recs, err := j.ListTradesClosedBetween(start, end)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintf(out, "no trades closed between %s and %s\n", since, until)
		return nil
	}
	fmt.Fprintln(out, journal.FormatTradesOrg(recs))
	if historySummary {
		fmt.Fprintln(out, journal.FormatSummaryOrg(journal.Summarize(recs)))
	}
	return nil
}

func runHistoryTrade(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(historyDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	rec, err := j.GetTrade(args[0])
	if err != nil {
		return fmt.Errorf("get trade: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatTradeOrg(rec))
	return nil
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start, end, nil
}
