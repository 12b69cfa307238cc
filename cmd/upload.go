package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codelink/internal/engine"
)

var uploadWait time.Duration

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Queue files for upload to the server",
	Long: `Spool files into the durable upload queue. Queuing succeeds even while
offline; transfer happens on the next connection. With --wait the command
connects and drains the queue before returning.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return uploadRun(cmd.Context(), args)
	},
}

var uploadPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return uploadPendingRun(cmd.Context())
	},
}

func init() {
	uploadCmd.Flags().DurationVar(&uploadWait, "wait", 0, "Connect and drain the queue, waiting up to this long (0 queues only)")
	uploadCmd.AddCommand(uploadPendingCmd)
	rootCmd.AddCommand(uploadCmd)
}

// spoolFile copies src into the spool directory so later edits or deletion
// of the original cannot change what gets uploaded.
func spoolFile(src string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	spoolDir := viper.GetString("spool_dir")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create spool dir: %w", err)
	}

	dst := filepath.Join(spoolDir, ulid.Make().String())
	out, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", 0, err
	}
	return dst, n, nil
}

func uploadRun(ctx context.Context, paths []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = eng.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-engineDone
	}()

	queued := 0
	for _, path := range paths {
		spooled, size, err := spoolFile(path)
		if err != nil {
			ui.Error("Cannot read %s: %v", path, err)
			continue
		}
		if err := eng.QueueUpload(runCtx, filepath.Base(path), spooled, size); err != nil {
			return fmt.Errorf("queue %s: %w", path, err)
		}
		ui.Success("Queued %s (%d bytes)", filepath.Base(path), size)
		queued++
	}
	if queued == 0 {
		return fmt.Errorf("nothing queued")
	}
	if uploadWait <= 0 {
		ui.Info("Files will transfer on the next connection")
		return nil
	}

	if err := eng.Connect(runCtx, ""); err != nil {
		return err
	}
	deadline := time.After(uploadWait)
	remaining := queued
	for remaining > 0 {
		select {
		case ev := <-eng.Events():
			switch ev.Type {
			case engine.EventUploadDone:
				ui.Success("Uploaded %s", ev.Filename)
				remaining--
			case engine.EventUploadFailed:
				ui.Error("Upload failed: %s (%s)", ev.Filename, ev.Detail)
				remaining--
			case engine.EventAuthFailed:
				return fmt.Errorf("authentication failed: %s", ev.Detail)
			case engine.EventConnectionGaveUp:
				return fmt.Errorf("could not reach server; files remain queued")
			}
		case <-deadline:
			ui.Warning("%d file(s) still queued; they will transfer on the next connection", remaining)
			return eng.Disconnect()
		}
	}
	return eng.Disconnect()
}

func uploadPendingRun(ctx context.Context) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	pending, err := st.ListPendingUploads(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		ui.Info("Upload queue is empty")
		return nil
	}
	table := ui.Table([]string{"Filename", "Size", "Status", "Queued"})
	for _, u := range pending {
		table.Append([]string{
			u.Filename,
			fmt.Sprintf("%d", u.SizeBytes),
			string(u.Status),
			u.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}
