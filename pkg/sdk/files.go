package sdk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// IPC exchange directories inside a group directory.
const (
	RequestsDir  = "ipc/requests"
	ResponsesDir = "ipc/responses"
)

// ListRequestFiles returns pending IPC request files for a group, oldest
// name first. Files still being written under a dotted or .tmp name are
// skipped.
func ListRequestFiles(groupDir string) ([]string, error) {
	dir := filepath.Join(groupDir, RequestsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list requests in %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadRequestFile parses one dropped IPC request.
func ReadRequestFile(path string) (*IPCRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request %s: %w", path, err)
	}
	var req IPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request %s: %w", path, err)
	}
	return &req, nil
}

// WriteResponseFile writes an IPC response atomically (temp + rename) into
// the group's responses directory, named after the request file so the
// worker can match them up.
func WriteResponseFile(groupDir, requestName string, resp *IPCResponse) error {
	dir := filepath.Join(groupDir, ResponsesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create responses dir: %w", err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	path := filepath.Join(dir, requestName)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write response %s: %w", path, err)
	}
	return nil
}
