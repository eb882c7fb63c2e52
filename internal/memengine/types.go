// Package memengine implements the memory engine (spec §4.7): PUT, GET,
// DELETE, HISTORY, LIST, GLOB, DUMP, AGENTS, SEARCH — the core of the
// system built atop internal/store, internal/pathutil, internal/canonjson,
// and the abstract internal/embedqueue.Embedder.
package memengine

import "time"

// PutInput is spec §4.7.1's request shape.
type PutInput struct {
	Agent       string
	Path        string
	Value       interface{}
	TTLSeconds  *int64
	Tags        []string
	Importance  *float64
	Searchable  bool
}

type PutResult struct {
	OK        bool      `json:"ok"`
	VersionID string    `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
}

type GetResult struct {
	Found     bool        `json:"found"`
	Path      string      `json:"path,omitempty"`
	Value     interface{} `json:"value,omitempty"`
	VersionID string      `json:"version_id,omitempty"`
	CreatedAt *time.Time  `json:"created_at,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
}

type DeleteResult struct {
	OK        bool      `json:"ok"`
	Deleted   bool      `json:"deleted"`
	VersionID string    `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
}

type HistoryEntry struct {
	Path      string      `json:"path,omitempty"`
	VersionID string      `json:"version_id"`
	Value     interface{} `json:"value"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Deleted   bool        `json:"deleted"`
}

type ListEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type DumpEntry struct {
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	VersionID string      `json:"version_id"`
	CreatedAt time.Time   `json:"created_at"`
	Tags      []string    `json:"tags,omitempty"`
}

type AgentEntry struct {
	Agent       string `json:"agent"`
	MemoryCount int64  `json:"memory_count"`
}

type SearchInput struct {
	Agent      string
	Query      string
	Limit      int
	PathPrefix string
	TagsAny    []string
}

type SearchEntry struct {
	Path       string      `json:"path"`
	Value      interface{} `json:"value"`
	Tags       []string    `json:"tags,omitempty"`
	Similarity float64     `json:"similarity"`
	VersionID  string      `json:"version_id"`
	CreatedAt  time.Time   `json:"created_at"`
}

type SearchResult struct {
	Results []SearchEntry `json:"results"`
	Note    string        `json:"note,omitempty"`
}
