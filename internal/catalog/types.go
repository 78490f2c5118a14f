// Package catalog knows the base models a merge may draw from, loads their
// weights once per process and hands out read-only views of them.
package catalog

import (
	"context"
	"fmt"
	"time"
)

// LoadState represents the loading status of the catalog weights
type LoadState int

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateLoaded
	StateError
)

func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s LoadState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *LoadState) UnmarshalText(text []byte) error {
	for _, st := range []LoadState{StateUnloaded, StateLoading, StateLoaded, StateError} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown load state %q", text)
}

// Entry is a resolved base model: Path is absolute and Format is set.
type Entry struct {
	Name   string `json:"name"`
	Repo   string `json:"repo,omitempty"`
	Path   string `json:"path"`
	Format string `json:"format"`
	Depth  int    `json:"depth"`
}

// ModelInfo describes one base model for listings.
type ModelInfo struct {
	Entry
	Designated bool  `json:"designated"`
	Loaded     bool  `json:"loaded"`
	Bytes      int64 `json:"bytes,omitempty"`
}

// Status is a snapshot of the catalog.
type Status struct {
	State    LoadState   `json:"state"`
	Loads    int         `json:"loads"`
	LoadedAt time.Time   `json:"loadedAt,omitempty"`
	Duration string      `json:"duration,omitempty"`
	Error    string      `json:"error,omitempty"`
	Models   []ModelInfo `json:"models"`
}

// Fetcher downloads repository files into a directory, skipping files that
// are already present. *hub.Client implements it.
type Fetcher interface {
	FetchAll(ctx context.Context, repo, dir string, files ...string) error
}
