package progress

import (
	"fmt"
	"slices"
)

// Outcome describes what a single Apply did to the session.
type Outcome struct {
	Kind Kind
	From Phase
	To   Phase
	// Ignored is set when the event did not match the current phase or the
	// session was already terminal. The session is unchanged in that case.
	Ignored bool
	Reason  string
	// ItemProcessed and JobComplete drive the completion notifier.
	ItemProcessed bool
	JobComplete   bool
}

// Terminal reports whether this outcome moved the session into a terminal phase.
func (o Outcome) Terminal() bool {
	return !o.Ignored && !o.From.Terminal() && o.To.Terminal()
}

// Machine folds events into a Session. It is not safe for concurrent use;
// callers serialise Apply the way the tracker's dispatch loop does.
//
// Percent is presented as non-decreasing: each event computes a raw value from
// its own formula (kept in RawPercent) and Percent only moves forward.
type Machine struct {
	s Session
}

// NewMachine returns a machine holding an idle session.
func NewMachine() *Machine {
	return &Machine{s: NewSession()}
}

// Session returns a copy of the current state.
func (m *Machine) Session() Session {
	return m.s.Clone()
}

// Begin moves an idle session into fetching once the channel is requested.
func (m *Machine) Begin() bool {
	if m.s.Status != PhaseIdle {
		return false
	}
	m.s.Status = PhaseFetching
	m.s.StepLabel = "Initializing connection..."
	return true
}

// Apply performs exactly one transition for evt.
func (m *Machine) Apply(evt Event) Outcome {
	out := Outcome{From: m.s.Status, To: m.s.Status}
	if evt == nil {
		return ignore(out, "nil event")
	}
	out.Kind = evt.Kind()
	if m.s.Terminal() {
		return ignore(out, "session is terminal")
	}

	switch e := evt.(type) {
	case StatusEvent:
		if !m.in(PhaseIdle, PhaseFetching) {
			return ignore(out, "status outside fetching")
		}
		m.s.Status = PhaseFetching
		m.s.StepLabel = e.Message
		m.present(SetupPercent(e.Step, e.Total))

	case FetchedEvent:
		if !m.in(PhaseIdle, PhaseFetching) {
			return ignore(out, "fetched outside fetching")
		}
		m.s.TotalItems = e.Count
		m.s.ProcessedCount = 0
		m.s.StepLabel = fmt.Sprintf("Found %d unread %s", e.Count, plural(e.Count, "email"))
		m.present(FetchedPercent())
		m.s.Status = PhaseFetching
		if e.Count > 0 {
			m.s.Status = PhaseClassifying
		}

	case ProcessingEvent:
		if !m.in(PhaseFetching, PhaseClassifying, PhaseSending) {
			return ignore(out, "processing outside item loop")
		}
		m.s.Status = PhaseClassifying
		m.s.CurrentItem = e.Subject
		m.s.Routing = nil
		m.s.TotalItems = e.Total
		m.s.ProcessedCount = min(m.s.ProcessedCount, m.s.TotalItems)
		m.s.StepLabel = fmt.Sprintf("Analyzing email %d of %d...", e.Current, e.Total)
		m.present(AnalyzePercent(e.Current, e.Total))

	case ClassifyingEvent:
		if !m.in(PhaseClassifying) {
			return ignore(out, "classifying outside classifying")
		}
		m.s.StepLabel = "Classifying: " + e.Subject

	case ClassifiedEvent:
		if !m.in(PhaseClassifying) {
			return ignore(out, "classified outside classifying")
		}
		m.s.Routing = &Routing{Department: e.Department, Recipients: slices.Clone(e.Recipients)}
		m.s.StepLabel = "Classified as: " + e.Department
		m.present(ClassifiedPercent(m.s.ProcessedCount, m.s.TotalItems))

	case ReplyingEvent:
		if !m.in(PhaseClassifying) {
			return ignore(out, "replying outside classifying")
		}
		m.s.Status = PhaseSending
		m.s.StepLabel = "Sending auto-reply..."
		m.present(ReplyPercent(m.s.ProcessedCount, m.s.TotalItems))

	case RepliedEvent:
		if !m.in(PhaseSending) {
			return ignore(out, "replied outside sending")
		}
		m.s.StepLabel = "Auto-reply sent"

	case ReplyFailedEvent:
		if !m.in(PhaseSending) {
			return ignore(out, "reply_failed outside sending")
		}
		m.s.StepLabel = "Auto-reply failed"

	case ReviewQueuedEvent:
		if !m.in(PhaseClassifying, PhaseSending) {
			return ignore(out, "review_queued outside item loop")
		}
		m.s.StepLabel = "Queued for manual review"

	case EmailCompleteEvent:
		total := e.Total
		if total <= 0 {
			total = m.s.TotalItems
		}
		if total > m.s.TotalItems {
			m.s.TotalItems = total
		}
		m.s.ProcessedCount = max(0, min(e.Current, m.s.TotalItems))
		m.present(ItemDonePercent(e.Current, total))
		out.ItemProcessed = true

	case CompleteEvent:
		m.s.Status = PhaseComplete
		m.s.StepLabel = e.Message
		if m.s.StepLabel == "" {
			m.s.StepLabel = fmt.Sprintf("Successfully processed %d %s", e.Processed, plural(e.Processed, "email"))
		}
		m.s.CurrentItem = ""
		m.s.Routing = nil
		m.present(CompletePercent())
		out.JobComplete = true

	case ErrorEvent:
		m.s.Status = PhaseError
		m.s.ErrorMessage = e.Message
		if m.s.ErrorMessage == "" {
			m.s.ErrorMessage = "unknown error"
		}
		m.s.StepLabel = "An error occurred"
		m.s.CurrentItem = ""
		m.s.Routing = nil

	default:
		return ignore(out, fmt.Sprintf("unhandled event %T", evt))
	}

	out.To = m.s.Status
	return out
}

func (m *Machine) in(phases ...Phase) bool {
	return slices.Contains(phases, m.s.Status)
}

func (m *Machine) present(raw float64) {
	raw = Clamp(raw)
	m.s.RawPercent = raw
	if raw > m.s.Percent {
		m.s.Percent = raw
	}
}

func ignore(out Outcome, reason string) Outcome {
	out.Ignored = true
	out.Reason = reason
	return out
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
