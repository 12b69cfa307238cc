// Package daemon tracks a backgrounded codelink server through its pid
// file, so `codelink serve stop` and `codelink serve status` can find the
// process started by `codelink serve --daemon`.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile is the on-disk record of the running server's process id.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process as the running server.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records the given pid, typically the re-exec'd daemon child.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the pid file after the server shuts down.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
