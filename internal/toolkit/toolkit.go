// Package toolkit is the tool registry the Agent Executor dispatches
// ReAct actions against: a name-keyed registry plus the canonical
// finish alias. Tool bodies themselves (filesystem, shell, web fetch)
// are external collaborators — this package only owns resolution, not
// execution semantics, beyond the built-in finish pseudo-tool.
package toolkit

import (
	"context"
	"encoding/json"
	"strings"
)

// Tool is the capability set every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input string) (string, error)
}

// canonicalAliases is the case-insensitive action-name alias table,
// consulted before falling back to a direct registry lookup.
var canonicalAliases = map[string]string{
	"exec":   "shell_exec",
	"run":    "shell_exec",
	"bash":   "shell_exec",
	"done":   "finish",
	"answer": "finish",
	"ls":     "list_dir",
	"cat":    "read_file",
	"fetch":  "web_fetch",
}

// Registry resolves ReAct action names to Tool implementations.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry returns an empty registry. The executor special-cases
// the finish action (and its done/answer aliases) before ever
// reaching Resolve, so finish needs no registry entry of its own.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its own Name().
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Names lists every registered tool's name, in no particular order —
// used to render the tool catalog in the ReAct system prompt.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Resolve maps an action name to a registered tool, consulting the
// alias table first (case-insensitive), then falling back to a direct
// name match.
func (r *Registry) Resolve(action string) (Tool, bool) {
	if t, ok := r.tools[CanonicalAction(action)]; ok {
		return t, true
	}
	t, ok := r.tools[action]
	return t, ok
}

// CanonicalAction resolves action through the alias table
// (case-insensitive), returning the name Resolve would look up a tool
// under. Callers that need to recognize an alias before dispatch —
// the executor's finish check, in particular — use this directly
// instead of Resolve, since finish has no registered Tool.
func CanonicalAction(action string) string {
	lower := strings.ToLower(strings.TrimSpace(action))
	if canonical, ok := canonicalAliases[lower]; ok {
		return canonical
	}
	return action
}

// ErrorObservation formats a tool-dispatch failure as the JSON error
// observation the executor appends to history so the model can react
// to it on the next iteration.
func ErrorObservation(toolName string, err error) string {
	payload, _ := json.Marshal(map[string]any{
		"error":   true,
		"message": err.Error(),
		"tool":    toolName,
	})
	return string(payload)
}

// UnknownActionObservation formats the observation appended when an
// action name resolves to no registered tool.
func UnknownActionObservation(action string) string {
	payload, _ := json.Marshal(map[string]any{
		"error":        true,
		"resolvedTool": "",
		"action":       action,
	})
	return string(payload)
}
