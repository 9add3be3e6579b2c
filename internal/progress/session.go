package progress

import (
	"slices"
	"strings"
)

// Phase is the coarse status of a session.
type Phase string

// Session phases. Complete and Error are terminal.
const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseClassifying Phase = "classifying"
	PhaseSending     Phase = "sending"
	PhaseComplete    Phase = "complete"
	PhaseError       Phase = "error"
)

// Terminal reports whether no further transitions may leave p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Routing is the destination chosen for the email currently being reported.
type Routing struct {
	Department string   `json:"department"`
	Recipients []string `json:"recipients"`
}

// Session is the canonical state of one tracked job.
type Session struct {
	Status         Phase    `json:"status"`
	StepLabel      string   `json:"step_label"`
	Percent        float64  `json:"progress_percent"`
	RawPercent     float64  `json:"raw_percent"`
	TotalItems     int      `json:"total_items"`
	ProcessedCount int      `json:"processed_count"`
	CurrentItem    string   `json:"current_item,omitempty"`
	Routing        *Routing `json:"routing,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
}

// NewSession returns an idle session at 0%.
func NewSession() Session {
	return Session{Status: PhaseIdle}
}

// Terminal reports whether the session has reached complete or error.
func (s Session) Terminal() bool {
	return s.Status.Terminal()
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s Session) Clone() Session {
	if s.Routing != nil {
		r := *s.Routing
		r.Recipients = slices.Clone(r.Recipients)
		s.Routing = &r
	}
	return s
}

// RecipientNames turns addresses into display names, e.g. "jane.doe@co.com"
// becomes "Jane Doe".
func RecipientNames(recipients []string) string {
	if len(recipients) == 0 {
		return "No recipients"
	}
	names := make([]string, 0, len(recipients))
	for _, addr := range recipients {
		local, _, found := strings.Cut(addr, "@")
		if !found || local == "" {
			names = append(names, addr)
			continue
		}
		parts := strings.Split(local, ".")
		for i, p := range parts {
			if p == "" {
				continue
			}
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
		names = append(names, strings.Join(parts, " "))
	}
	return strings.Join(names, ", ")
}
