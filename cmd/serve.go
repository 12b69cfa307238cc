package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codelink/internal/daemon"
	"codelink/internal/index"
	"codelink/internal/server"
	"codelink/internal/store"
)

var serveDaemon bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session sync server",
	Long: `Start the websocket server that fronts the remote assistant: session
index, transcript replay, uploads, and command execution. By default it
listens on :8787. Use --daemon to detach into the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDaemon {
			return serveDaemonRun()
		}
		return serveRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a backgrounded server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDaemon, "daemon", false, "Run the server in the background")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	_ = viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

func serveRun() error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	logger := newLogger()

	st, err := store.NewSQLiteStore(viper.GetString("server.db_path"))
	if err != nil {
		return fmt.Errorf("open server database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate server database: %w", err)
	}

	transcripts := viper.GetString("server.transcripts_dir")
	if err := os.MkdirAll(transcripts, 0o755); err != nil {
		return fmt.Errorf("create transcripts dir: %w", err)
	}
	ix := index.New(transcripts)

	// The watcher is the second independent writer into the index, racing
	// the request path.
	watcher := index.NewWatcher(ix, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("transcript watcher stopped", "error", err)
		}
	}()

	srv := server.New(server.Config{
		Token:           viper.GetString("server.token"),
		ServerVersion:   buildVersion,
		UploadDir:       viper.GetString("server.upload_dir"),
		AllowedCommands: viper.GetStringSlice("commands.allowed"),
		MaxUploadBytes:  viper.GetInt64("server.max_upload_bytes"),
		CommandTimeout:  viper.GetDuration("server.command_timeout"),
	}, ix, st, nil, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := viper.GetString("server.listen")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	pidFile := daemon.NewPIDFile(viper.GetString("server.pid_file"))
	if err := pidFile.Write(); err != nil {
		logger.Warn("write pid file", "path", pidFile.Path, "error", err)
	} else {
		defer pidFile.Remove()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "transcripts", transcripts)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// serveDaemonRun re-executes the current binary detached from the terminal.
func serveDaemonRun() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{"serve"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	child := exec.Command(exe, args...)
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}

	ui.Success("Server started in background (pid %d)", child.Process.Pid)
	return nil
}

func serveStopRun() error {
	pidFile := daemon.NewPIDFile(viper.GetString("server.pid_file"))
	pid, running := pidFile.IsRunning()
	if !running {
		_ = pidFile.Remove()
		return fmt.Errorf("no running server found")
	}

	if err := pidFile.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	ui.Success("Sent shutdown signal to pid %d", pid)
	return nil
}
