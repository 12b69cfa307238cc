package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codelink/internal/engine"
	"codelink/internal/output"
	"codelink/internal/protocol"
	"codelink/internal/transport"
)

var promptDir string

var promptCmd = &cobra.Command{
	Use:   "prompt <text>",
	Short: "Send a prompt and stream the response",
	Long: `Connect to the server, submit one prompt, stream response chunks until
the turn completes, then disconnect. Use --session to continue an existing
session; otherwise a new one is started.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return promptRun(cmd.Context(), args[0])
	},
}

func init() {
	promptCmd.Flags().String("session", "", "Session id to continue")
	promptCmd.Flags().StringVar(&promptDir, "dir", "", "Working directory for the turn")
	_ = viper.BindPFlag("session", promptCmd.Flags().Lookup("session"))
	rootCmd.AddCommand(promptCmd)
}

// newEngine builds the client engine from config.
func newEngine() (*engine.Engine, error) {
	st, err := getStore()
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Endpoint:          viper.GetString("endpoint"),
		Token:             viper.GetString("token"),
		KeepaliveInterval: viper.GetDuration("engine.keepalive_interval"),
		BackoffInitial:    viper.GetDuration("engine.backoff_initial"),
		BackoffMultiplier: viper.GetFloat64("engine.backoff_multiplier"),
		BackoffMax:        viper.GetDuration("engine.backoff_max"),
		ReconnectCeiling:  viper.GetDuration("engine.reconnect_ceiling"),
		AckTimeout:        viper.GetDuration("engine.ack_timeout"),
	}, &transport.WebSocketDialer{}, st, newLogger()), nil
}

func promptRun(ctx context.Context, text string) error {
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

	sessionID := protocol.NormalizeSessionID(viper.GetString("session"))
	if sessionID == "" {
		sessionID = uuid.NewString()
		ui.Info("Starting session %s", output.Cyan(sessionID))
	}

	if err := eng.Connect(runCtx, sessionID); err != nil {
		return err
	}

	submitted := false
	for ev := range eng.Events() {
		switch ev.Type {
		case engine.EventStateChanged:
			ui.VerboseLog("connection %s", ev.State)
			if ev.State == engine.StateConnected && !submitted {
				if err := eng.SubmitPrompt(sessionID, text, promptDir); err != nil {
					return err
				}
				submitted = true
			}
		case engine.EventAuthFailed:
			return fmt.Errorf("authentication failed: %s", ev.Detail)
		case engine.EventConnectionGaveUp:
			return fmt.Errorf("could not reach %s: %s", viper.GetString("endpoint"), ev.Detail)
		case engine.EventResponse:
			if resp, ok := ev.Message.(*protocol.Response); ok {
				fmt.Fprintln(os.Stdout, resp.Text)
			}
		case engine.EventTurnComplete:
			if tc, ok := ev.Message.(*protocol.TurnComplete); ok && tc.Usage != nil {
				ui.VerboseLog("tokens in=%d out=%d cost=$%.4f",
					tc.Usage.InputTokens, tc.Usage.OutputTokens, tc.CostUSD)
			}
			return eng.Disconnect()
		case engine.EventServerError:
			return fmt.Errorf("server error: %s", ev.Detail)
		}
	}
	return nil
}
