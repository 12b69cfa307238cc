package server

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codelink/internal/protocol"
)

// handleUpload persists one uploaded file. The acknowledgment carries the
// filename the server actually stored, which may have been renamed to avoid
// clobbering an existing file. Validation failures are application faults:
// the client gets the detail and does not retry.
func (s *Server) handleUpload(c *client, m *protocol.UploadFile) {
	if err := validateFilename(m.Filename); err != nil {
		c.send(&protocol.Error{Detail: err.Error()})
		return
	}

	content, err := base64.StdEncoding.DecodeString(m.Content)
	if err != nil {
		c.send(&protocol.Error{Detail: fmt.Sprintf("invalid content encoding for %s: %v", m.Filename, err)})
		return
	}
	if int64(len(content)) > s.cfg.MaxUploadBytes {
		c.send(&protocol.Error{Detail: fmt.Sprintf("file %s exceeds maximum size of %d bytes", m.Filename, s.cfg.MaxUploadBytes)})
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		c.send(&protocol.Error{Detail: fmt.Sprintf("create upload directory: %v", err)})
		return
	}

	finalName, err := s.writeUnique(m.Filename, content)
	if err != nil {
		c.send(&protocol.Error{Detail: fmt.Sprintf("store %s: %v", m.Filename, err)})
		return
	}

	c.send(&protocol.FileUploaded{Filename: finalName, SizeBytes: int64(len(content))})
}

// writeUnique writes content under the requested name, appending -2, -3,
// ... before the extension until an unused name is found.
func (s *Server) writeUnique(filename string, content []byte) (string, error) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	name := filename
	for attempt := 2; ; attempt++ {
		path := filepath.Join(s.cfg.UploadDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			name = fmt.Sprintf("%s-%d%s", stem, attempt, ext)
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			_ = os.Remove(path)
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return name, nil
	}
}

func (s *Server) handleListResources(c *client) {
	entries, err := os.ReadDir(s.cfg.UploadDir)
	if os.IsNotExist(err) {
		c.send(&protocol.ResourcesList{})
		return
	}
	if err != nil {
		c.send(&protocol.Error{Detail: fmt.Sprintf("list resources: %v", err)})
		return
	}

	resources := make([]protocol.ResourceInfo, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		resources = append(resources, protocol.ResourceInfo{
			Filename:   de.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: protocol.FormatTimestamp(info.ModTime()),
		})
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].Filename < resources[j].Filename })
	c.send(&protocol.ResourcesList{Resources: resources})
}

func (s *Server) handleDeleteResource(c *client, m *protocol.DeleteResource) {
	if err := validateFilename(m.Filename); err != nil {
		c.send(&protocol.Error{Detail: err.Error()})
		return
	}
	path := filepath.Join(s.cfg.UploadDir, m.Filename)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			c.send(&protocol.Error{Detail: fmt.Sprintf("resource not found: %s", m.Filename)})
			return
		}
		c.send(&protocol.Error{Detail: fmt.Sprintf("delete %s: %v", m.Filename, err)})
		return
	}
	c.send(&protocol.ResourceDeleted{Filename: m.Filename})
}

func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.ContainsAny(name, "/\\") || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid filename: %s", name)
	}
	return nil
}
