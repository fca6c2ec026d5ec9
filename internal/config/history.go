package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// History is the state remembered between sessions: the output root last used and every
// channel that has produced data.
type History struct {
	GWFoutPath string   `json:"gwfout_path"`
	Channels   []string `json:"channels"`
}

// LoadHistory reads the history file. A missing file yields an empty history.
func LoadHistory(path string) (History, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return History{}, nil
	}
	if err != nil {
		return History{}, fmt.Errorf("read history: %w", err)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return History{}, fmt.Errorf("decode history: %w", err)
	}
	return h, nil
}

// SaveHistory rewrites the whole file.
func SaveHistory(path string, h History) error {
	if h.Channels == nil {
		h.Channels = []string{}
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

// AddChannel records a channel once and reports whether it was new.
func (h *History) AddChannel(channel string) bool {
	for _, ch := range h.Channels {
		if ch == channel {
			return false
		}
	}
	h.Channels = append(h.Channels, channel)
	return true
}

// HistoryFile serializes read-modify-write cycles on one history file.
type HistoryFile struct {
	Path string
	// OutputRoot is stored as gwfout_path on every save.
	OutputRoot string

	mu sync.Mutex
}

func (f *HistoryFile) AddChannels(channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, err := LoadHistory(f.Path)
	if err != nil {
		return err
	}
	changed := h.GWFoutPath != f.OutputRoot
	h.GWFoutPath = f.OutputRoot
	for _, ch := range channels {
		if h.AddChannel(ch) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return SaveHistory(f.Path, h)
}

func (f *HistoryFile) Load() (History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return LoadHistory(f.Path)
}
