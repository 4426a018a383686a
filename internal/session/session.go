// Package session stores chat sessions and reconciles local and remote
// copies of them.
package session

import (
	"github.com/kalambet/inferhost/internal/ollama"
)

// Message is one entry of a session history.
type Message = ollama.Message

// Session is a named conversation.
type Session struct {
	Name     string    `json:"name"`
	Model    string    `json:"model"`
	Favorite bool      `json:"favorite"`
	History  []Message `json:"history"`
	// Merged marks sessions touched by a reconciliation.
	Merged bool `json:"__merged,omitempty"`
}

// Map is keyed by session id.
type Map map[string]Session

// Merge unifies local and remote. For each remote session: a session
// missing locally is adopted; a local session with at least as many
// messages wins wholesale; otherwise the remote history is kept in order
// and followed by every local message whose (role, content) pair is not
// already present. Every session that had a remote counterpart is marked
// Merged. Neither input is modified and the result shares no slices with
// them.
func Merge(local, remote Map) Map {
	out := make(Map, len(local)+len(remote))
	for id, s := range local {
		out[id] = s.clone()
	}

	for id, r := range remote {
		l, ok := local[id]
		switch {
		case !ok:
			s := r.clone()
			s.Merged = true
			out[id] = s
		case len(l.History) >= len(r.History):
			s := l.clone()
			s.Merged = true
			out[id] = s
		default:
			out[id] = Session{
				Name:     firstNonEmpty(l.Name, r.Name),
				Model:    firstNonEmpty(l.Model, r.Model),
				Favorite: l.Favorite || r.Favorite,
				History:  mergeHistory(l.History, r.History),
				Merged:   true,
			}
		}
	}
	return out
}

func mergeHistory(local, remote []Message) []Message {
	merged := cloneHistory(remote)
	seen := make(map[[2]string]struct{}, len(merged))
	for _, m := range merged {
		seen[[2]string{m.Role, m.Content}] = struct{}{}
	}
	for _, m := range local {
		k := [2]string{m.Role, m.Content}
		if _, dup := seen[k]; dup {
			continue
		}
		// Later duplicates in local are dropped too, as the merged list grows.
		seen[k] = struct{}{}
		merged = append(merged, cloneMessage(m))
	}
	return merged
}

func (s Session) clone() Session {
	s.History = cloneHistory(s.History)
	return s
}

func cloneHistory(h []Message) []Message {
	if h == nil {
		return nil
	}
	out := make([]Message, len(h))
	for i, m := range h {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m Message) Message {
	if m.ToolCalls != nil {
		calls := make([]ollama.ToolCall, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			if c.Function.Arguments != nil {
				c.Function.Arguments = append([]byte(nil), c.Function.Arguments...)
			}
			calls[i] = c
		}
		m.ToolCalls = calls
	}
	return m
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
