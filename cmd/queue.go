package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"codelink/internal/models"
	"codelink/internal/output"
	"codelink/internal/protocol"
)

var queuePriorityLevel int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the local conversation queues",
	Long: `Manage the two local conversation queues: a FIFO processing queue and a
priority display ordering. Both are durable; they survive restarts.

Running bare 'codelink queue' is the same as 'codelink queue list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun(cmd.Context())
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show both queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun(cmd.Context())
	},
}

var queuePushCmd = &cobra.Command{
	Use:   "push <session-id>",
	Short: "Append a session to the FIFO queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queuePushRun(cmd.Context(), args[0])
	},
}

var queuePopCmd = &cobra.Command{
	Use:   "pop <session-id>",
	Short: "Remove a session from the FIFO queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queuePopRun(cmd.Context(), args[0])
	},
}

var queuePinCmd = &cobra.Command{
	Use:   "pin <session-id>",
	Short: "Add a session to the priority ordering",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queuePinRun(cmd.Context(), args[0])
	},
}

var queueUnpinCmd = &cobra.Command{
	Use:   "unpin <session-id>",
	Short: "Remove a session from the priority ordering",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueUnpinRun(cmd.Context(), args[0])
	},
}

var queueMoveCmd = &cobra.Command{
	Use:   "move <session-id> <order>",
	Short: "Reorder a session within its priority level",
	Long: `Set a session's fractional order within its level. To place a session
between two neighbors ordered 1 and 2, use 1.5; neighbors keep their
positions.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid order %q: %w", args[1], err)
		}
		return queueMoveRun(cmd.Context(), args[0], order)
	},
}

func init() {
	queuePinCmd.Flags().IntVar(&queuePriorityLevel, "level", models.PriorityNormal,
		"Priority level: 1 (high), 5 (normal), 10 (low)")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePushCmd)
	queueCmd.AddCommand(queuePopCmd)
	queueCmd.AddCommand(queuePinCmd)
	queueCmd.AddCommand(queueUnpinCmd)
	queueCmd.AddCommand(queueMoveCmd)
	rootCmd.AddCommand(queueCmd)
}

func queueListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	fifo, err := s.ListFIFO(ctx)
	if err != nil {
		return err
	}
	prio, err := s.ListPriority(ctx)
	if err != nil {
		return err
	}

	if len(fifo) == 0 && len(prio) == 0 {
		ui.Info("Both queues are empty")
		return nil
	}

	if len(fifo) > 0 {
		ui.Info("FIFO queue")
		table := ui.Table([]string{"Pos", "Session", "Queued"})
		for _, e := range fifo {
			table.Append([]string{
				fmt.Sprintf("%d", e.Position),
				output.Cyan(e.SessionID),
				e.QueuedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		table.Render()
	}

	if len(prio) > 0 {
		ui.Info("Priority ordering")
		table := ui.Table([]string{"Level", "Order", "Session"})
		for _, e := range prio {
			table.Append([]string{
				levelName(e.Level),
				fmt.Sprintf("%g", e.Order),
				output.Cyan(e.SessionID),
			})
		}
		table.Render()
	}
	return nil
}

func levelName(level int) string {
	switch level {
	case models.PriorityHigh:
		return output.Red("high")
	case models.PriorityNormal:
		return "normal"
	case models.PriorityLow:
		return output.Yellow("low")
	default:
		return fmt.Sprintf("%d", level)
	}
}

func queuePushRun(ctx context.Context, sessionID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	pos, err := s.EnqueueFIFO(ctx, protocol.NormalizeSessionID(sessionID))
	if err != nil {
		return err
	}
	ui.Success("Queued at position %d", pos)
	return nil
}

func queuePopRun(ctx context.Context, sessionID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.DequeueFIFO(ctx, protocol.NormalizeSessionID(sessionID)); err != nil {
		return err
	}
	ui.Success("Removed from FIFO queue")
	return nil
}

func queuePinRun(ctx context.Context, sessionID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	order, err := s.AddToPriority(ctx, protocol.NormalizeSessionID(sessionID), queuePriorityLevel)
	if err != nil {
		return err
	}
	ui.Success("Pinned at %s order %g", levelName(queuePriorityLevel), order)
	return nil
}

func queueUnpinRun(ctx context.Context, sessionID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.RemoveFromPriority(ctx, protocol.NormalizeSessionID(sessionID)); err != nil {
		return err
	}
	ui.Success("Unpinned")
	return nil
}

func queueMoveRun(ctx context.Context, sessionID string, order float64) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.Reorder(ctx, protocol.NormalizeSessionID(sessionID), order); err != nil {
		return err
	}
	ui.Success("Reordered to %g", order)
	return nil
}
