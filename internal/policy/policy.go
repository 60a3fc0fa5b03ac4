// Package policy resolves the versioned reply policy that gates dispatch and
// generation. A policy document carries partial patches per scope; resolution
// merges them left-to-right into a complete, fully-typed value.
package policy

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// ReplyPolicy is the fully-resolved policy consumed by the dispatcher, the
// safety gate and the generation runtime.
type ReplyPolicy struct {
	ReplyEnabled        bool    `json:"reply_enabled"`
	MaxReplyLength      int     `json:"max_reply_length"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MaxRepliesPerRun    int     `json:"max_replies_per_run"`
	LLMTimeoutMs        int     `json:"llm_timeout_ms"`
	LLMRetries          int     `json:"llm_retries"`
	ToolCallsEnabled    bool    `json:"tool_calls_enabled"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	ToolTimeoutMs       int     `json:"tool_timeout_ms"`
	TaskMaxRetries      int     `json:"task_max_retries"`
	ReviewTTLHours      int     `json:"review_ttl_hours"`
}

// Default returns the compiled-in fallback policy, the lowest-precedence
// layer of every resolution.
func Default() ReplyPolicy {
	return ReplyPolicy{
		ReplyEnabled:        true,
		MaxReplyLength:      4000,
		SimilarityThreshold: 0.9,
		MaxRepliesPerRun:    20,
		LLMTimeoutMs:        30000,
		LLMRetries:          1,
		ToolCallsEnabled:    true,
		MaxToolIterations:   4,
		ToolTimeoutMs:       20000,
		TaskMaxRetries:      3,
		ReviewTTLHours:      48,
	}
}

// Patch is a partial policy: only non-nil fields override during merge.
type Patch struct {
	ReplyEnabled        *bool    `json:"reply_enabled,omitempty" yaml:"reply_enabled,omitempty"`
	MaxReplyLength      *int     `json:"max_reply_length,omitempty" yaml:"max_reply_length,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty" yaml:"similarity_threshold,omitempty"`
	MaxRepliesPerRun    *int     `json:"max_replies_per_run,omitempty" yaml:"max_replies_per_run,omitempty"`
	LLMTimeoutMs        *int     `json:"llm_timeout_ms,omitempty" yaml:"llm_timeout_ms,omitempty"`
	LLMRetries          *int     `json:"llm_retries,omitempty" yaml:"llm_retries,omitempty"`
	ToolCallsEnabled    *bool    `json:"tool_calls_enabled,omitempty" yaml:"tool_calls_enabled,omitempty"`
	MaxToolIterations   *int     `json:"max_tool_iterations,omitempty" yaml:"max_tool_iterations,omitempty"`
	ToolTimeoutMs       *int     `json:"tool_timeout_ms,omitempty" yaml:"tool_timeout_ms,omitempty"`
	TaskMaxRetries      *int     `json:"task_max_retries,omitempty" yaml:"task_max_retries,omitempty"`
	ReviewTTLHours      *int     `json:"review_ttl_hours,omitempty" yaml:"review_ttl_hours,omitempty"`
}

func (p Patch) apply(dst *ReplyPolicy) {
	if p.ReplyEnabled != nil {
		dst.ReplyEnabled = *p.ReplyEnabled
	}
	if p.MaxReplyLength != nil {
		dst.MaxReplyLength = *p.MaxReplyLength
	}
	if p.SimilarityThreshold != nil {
		dst.SimilarityThreshold = *p.SimilarityThreshold
	}
	if p.MaxRepliesPerRun != nil {
		dst.MaxRepliesPerRun = *p.MaxRepliesPerRun
	}
	if p.LLMTimeoutMs != nil {
		dst.LLMTimeoutMs = *p.LLMTimeoutMs
	}
	if p.LLMRetries != nil {
		dst.LLMRetries = *p.LLMRetries
	}
	if p.ToolCallsEnabled != nil {
		dst.ToolCallsEnabled = *p.ToolCallsEnabled
	}
	if p.MaxToolIterations != nil {
		dst.MaxToolIterations = *p.MaxToolIterations
	}
	if p.ToolTimeoutMs != nil {
		dst.ToolTimeoutMs = *p.ToolTimeoutMs
	}
	if p.TaskMaxRetries != nil {
		dst.TaskMaxRetries = *p.TaskMaxRetries
	}
	if p.ReviewTTLHours != nil {
		dst.ReviewTTLHours = *p.ReviewTTLHours
	}
}

// Document is one release's policy payload: a global patch plus scoped
// patches for capabilities, personas and boards.
type Document struct {
	Global       Patch            `json:"global"`
	Capabilities map[string]Patch `json:"capabilities"`
	Personas     map[string]Patch `json:"personas"`
	Boards       map[string]Patch `json:"boards"`
}

// ParseDocument parses a release document. Unknown fields inside patches are
// ignored so older binaries tolerate newer documents.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("parse policy document: %w", err)
	}
	return doc, nil
}

// Scope narrows resolution to one capability, persona and board. Empty
// fields skip their layer.
type Scope struct {
	Capability string
	PersonaID  string
	Board      string
}

// Resolve merges, in increasing precedence, the compiled-in default, the
// document's global patch, the capability patch, the persona patch and the
// board patch. Later layers win only for fields they carry.
func Resolve(doc Document, scope Scope) ReplyPolicy {
	resolved := Default()
	for _, patch := range orderedPatches(doc, scope) {
		patch.apply(&resolved)
	}
	return resolved
}

func orderedPatches(doc Document, scope Scope) []Patch {
	patches := []Patch{doc.Global}
	if scope.Capability != "" {
		if p, ok := doc.Capabilities[scope.Capability]; ok {
			patches = append(patches, p)
		}
	}
	if scope.PersonaID != "" {
		if p, ok := doc.Personas[scope.PersonaID]; ok {
			patches = append(patches, p)
		}
	}
	if scope.Board != "" {
		if p, ok := doc.Boards[scope.Board]; ok {
			patches = append(patches, p)
		}
	}
	return patches
}

// VersionFor derives a stable version string for a release. The fnv digest
// covers the raw document so two releases with identical content but
// different versions stay distinguishable by prefix.
func VersionFor(releaseVersion int64, rawDocument string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(rawDocument)))
	return "policy-v" + strconv.FormatInt(releaseVersion, 10) + "-" + strconv.FormatUint(h.Sum64(), 16)
}

// DefaultVersion is served before any release has been activated.
const DefaultVersion = "policy-default"
