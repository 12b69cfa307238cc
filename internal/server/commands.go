package server

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"codelink/internal/models"
	"codelink/internal/protocol"
)

// handleExecuteCommand runs an allow-listed command, streaming its output
// and persisting the record for later history queries.
func (s *Server) handleExecuteCommand(ctx context.Context, c *client, m *protocol.ExecuteCommand) {
	command := strings.TrimSpace(m.Command)
	if command == "" {
		c.send(&protocol.Error{Detail: "command is required"})
		return
	}
	if !s.commandAllowed(command) {
		c.send(&protocol.Error{Detail: fmt.Sprintf("command not allowed: %s", firstWord(command))})
		return
	}

	rec := &models.CommandRecord{Command: command}
	if s.store != nil {
		if err := s.store.CreateCommandRecord(ctx, rec); err != nil {
			c.send(&protocol.Error{Detail: fmt.Sprintf("record command: %v", err)})
			return
		}
	} else {
		rec.ID = newDeliveryID()
	}

	c.send(&protocol.CommandStarted{CommandID: rec.ID, Command: command})

	go s.runCommand(ctx, c, rec)
}

func (s *Server) runCommand(ctx context.Context, c *client, rec *models.CommandRecord) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	fields := strings.Fields(rec.Command)
	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	c.mu.Lock()
	cmd.Dir = c.workingDir
	c.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.finishCommand(ctx, c, rec, "", -1, err)
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		s.finishCommand(ctx, c, rec, "", -1, err)
		return
	}

	var full strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			full.WriteString(chunk)
			c.send(&protocol.CommandOutput{CommandID: rec.ID, Chunk: chunk})
		}
		if readErr != nil {
			if readErr != io.EOF {
				s.logger.Debug("command output read", "command_id", rec.ID, "error", readErr)
			}
			break
		}
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			s.finishCommand(ctx, c, rec, full.String(), -1, err)
			return
		}
	}
	s.finishCommand(ctx, c, rec, full.String(), exitCode, nil)
}

func (s *Server) finishCommand(ctx context.Context, c *client, rec *models.CommandRecord, output string, exitCode int, runErr error) {
	if runErr != nil {
		output = output + "\n" + runErr.Error()
	}
	if s.store != nil {
		if err := s.store.CompleteCommandRecord(ctx, rec.ID, output, exitCode); err != nil {
			s.logger.Warn("persist command result", "command_id", rec.ID, "error", err)
		}
	}
	c.send(&protocol.CommandComplete{CommandID: rec.ID, ExitCode: exitCode})
}

func (s *Server) handleCommandHistory(ctx context.Context, c *client, m *protocol.GetCommandHistory) {
	if s.store == nil {
		c.send(&protocol.CommandHistory{})
		return
	}
	records, err := s.store.ListCommandRecords(ctx, m.Limit)
	if err != nil {
		c.send(&protocol.Error{Detail: fmt.Sprintf("load command history: %v", err)})
		return
	}

	summaries := make([]protocol.CommandSummary, 0, len(records))
	for _, rec := range records {
		sum := protocol.CommandSummary{
			CommandID: rec.ID,
			Command:   rec.Command,
			ExitCode:  rec.ExitCode,
			StartedAt: protocol.FormatTimestamp(rec.StartedAt),
		}
		if rec.CompletedAt != nil {
			sum.CompletedAt = protocol.FormatTimestamp(*rec.CompletedAt)
		}
		summaries = append(summaries, sum)
	}
	c.send(&protocol.CommandHistory{Commands: summaries})
}

func (s *Server) handleCommandOutput(ctx context.Context, c *client, m *protocol.GetCommandOutput) {
	if s.store == nil {
		c.send(&protocol.Error{Detail: "command history is not enabled"})
		return
	}
	rec, err := s.store.GetCommandRecord(ctx, m.CommandID)
	if err != nil {
		c.send(&protocol.Error{Detail: err.Error()})
		return
	}
	c.send(&protocol.CommandOutputFull{CommandID: rec.ID, Output: rec.Output})
}

func (s *Server) commandAllowed(command string) bool {
	head := firstWord(command)
	for _, allowed := range s.cfg.AllowedCommands {
		if head == allowed {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
