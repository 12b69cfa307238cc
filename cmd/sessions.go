package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codelink/internal/index"
	"codelink/internal/output"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions known to the transcript directory",
	Long: `List sessions from the server's transcript directory, most recently
modified first. Useful for picking a session id to resume with --session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsRun()
	},
}

func init() {
	sessionsCmd.Flags().String("transcripts", "", "Transcript directory (overrides config)")
	_ = viper.BindPFlag("server.transcripts_dir", sessionsCmd.Flags().Lookup("transcripts"))
	rootCmd.AddCommand(sessionsCmd)
}

type sessionRow struct {
	entry   *index.Entry
	modTime string
	sortKey int64
}

func sessionsRun() error {
	dir := viper.GetString("server.transcripts_dir")
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("transcript directory not found: %s", dir)
	}

	ix := index.New(dir)
	if err := ix.Rescan(index.SourceWatcher); err != nil {
		return fmt.Errorf("scan transcripts: %w", err)
	}

	entries := ix.Sessions()
	if len(entries) == 0 {
		ui.Info("No sessions found in %s", dir)
		return nil
	}

	rows := make([]sessionRow, 0, len(entries))
	for _, e := range entries {
		row := sessionRow{entry: e, modTime: "-"}
		if fi, err := os.Stat(e.TranscriptPath); err == nil {
			row.modTime = fi.ModTime().Format("2006-01-02 15:04")
			row.sortKey = fi.ModTime().Unix()
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].sortKey > rows[j].sortKey })

	table := ui.Table([]string{"Session", "Messages", "Working Dir", "Modified"})
	for _, r := range rows {
		wd := r.entry.WorkingDirectory()
		if wd == "" {
			wd = "-"
		}
		table.Append([]string{
			output.Cyan(r.entry.SessionID),
			fmt.Sprintf("%d", r.entry.MessageCount()),
			wd,
			r.modTime,
		})
	}
	table.Render()
	return nil
}
