package ollama

import (
	"fmt"
	"math"
	"strings"
)

const barWidth = 20

type pullSection struct {
	label     string
	total     int64
	completed int64
}

// PullRenderer folds pull progress lines into a multi-line text block with
// one section per status message or layer digest.
type PullRenderer struct {
	order    []string
	sections map[string]*pullSection
}

// NewPullRenderer returns an empty renderer.
func NewPullRenderer() *PullRenderer {
	return &PullRenderer{sections: make(map[string]*pullSection)}
}

// Observe records p and returns the full rendered block.
func (r *PullRenderer) Observe(p PullProgress) string {
	if p.Digest == "" {
		if p.Status != "" {
			r.section(p.Status, p.Status)
		}
		return r.String()
	}

	key := p.Digest
	if len(key) > 12 {
		key = key[:12]
	}
	s := r.section(key, "pulling "+key)
	if p.Total > 0 {
		s.total = p.Total
	}
	if p.Completed > 0 {
		s.completed = p.Completed
	}
	return r.String()
}

func (r *PullRenderer) section(key, label string) *pullSection {
	if s, ok := r.sections[key]; ok {
		return s
	}
	s := &pullSection{label: label}
	r.sections[key] = s
	r.order = append(r.order, key)
	return s
}

// String renders every section in first-seen order.
func (r *PullRenderer) String() string {
	lines := make([]string, 0, len(r.order))
	for _, key := range r.order {
		s := r.sections[key]
		if s.total <= 0 {
			lines = append(lines, s.label)
			continue
		}
		ratio := math.Min(float64(s.completed)/float64(s.total), 1)
		pct := int(math.Floor(ratio * 100))
		lines = append(lines, fmt.Sprintf("%s %s %d%%", s.label, renderBar(ratio), pct))
	}
	return strings.Join(lines, "\n")
}

func renderBar(ratio float64) string {
	filled := int(math.Round(ratio * barWidth))
	return "[" + strings.Repeat("█", filled) + strings.Repeat(" ", barWidth-filled) + "]"
}
