package progress

import (
	"errors"
	"fmt"

	"github.com/go-json-experiment/json"
)

// Kind is the wire value of the "type" field of a progress frame.
type Kind string

// Event kinds produced by the fetch-and-process pipeline.
const (
	KindStatus        Kind = "status"
	KindFetched       Kind = "fetched"
	KindProcessing    Kind = "processing"
	KindClassifying   Kind = "classifying"
	KindClassified    Kind = "classified"
	KindReplying      Kind = "replying"
	KindReplied       Kind = "replied"
	KindReplyFailed   Kind = "reply_failed"
	KindReviewQueued  Kind = "review_queued"
	KindEmailComplete Kind = "email_complete"
	KindComplete      Kind = "complete"
	KindError         Kind = "error"
)

// ErrorSource distinguishes how an ErrorEvent came to exist.
type ErrorSource string

// Error sources. Only SourceApplication originates from the producer.
const (
	SourceApplication ErrorSource = "application"
	SourceProtocol    ErrorSource = "protocol"
	SourceTransport   ErrorSource = "transport"
)

// Fixed messages for errors synthesized on the client side.
const (
	MessageMalformed      = "malformed progress event"
	MessageConnectionLost = "connection lost"
)

// Event is one inbound progress message. The set of implementations is closed;
// Machine.Apply switches over every one of them.
type Event interface {
	Kind() Kind
	isEvent()
}

// StatusEvent reports a coarse setup step before the fetch completes.
type StatusEvent struct {
	Step    int    `json:"step"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// FetchedEvent reports how many unread emails were found.
type FetchedEvent struct {
	Count   int    `json:"count"`
	Message string `json:"message,omitempty"`
}

// ProcessingEvent announces the start of work on one email.
type ProcessingEvent struct {
	Subject string `json:"subject"`
	Sender  string `json:"sender,omitempty"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// ClassifyingEvent is sent while the classifier runs for the current email.
type ClassifyingEvent struct {
	Subject string `json:"subject"`
}

// ClassifiedEvent carries the routing decision for the current email.
type ClassifiedEvent struct {
	Department string   `json:"department"`
	Confidence float64  `json:"confidence,omitempty"`
	Recipients []string `json:"recipients"`
}

// ReplyingEvent is sent before the auto-reply goes out.
type ReplyingEvent struct {
	Sender string `json:"sender,omitempty"`
}

// RepliedEvent confirms the auto-reply was sent.
type RepliedEvent struct {
	To string `json:"to,omitempty"`
}

// ReplyFailedEvent reports a non-fatal auto-reply failure.
type ReplyFailedEvent struct {
	Error string `json:"error"`
}

// ReviewQueuedEvent reports that the email was parked for manual review.
type ReviewQueuedEvent struct {
	Reason string `json:"reason"`
}

// EmailCompleteEvent marks one email as fully handled.
type EmailCompleteEvent struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// CompleteEvent ends the job successfully.
type CompleteEvent struct {
	Processed int    `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// ErrorEvent ends the job with a failure. Source is not part of the wire
// format; decoded frames are always SourceApplication.
type ErrorEvent struct {
	Message string      `json:"message"`
	Source  ErrorSource `json:"-"`
}

func (StatusEvent) Kind() Kind        { return KindStatus }
func (FetchedEvent) Kind() Kind       { return KindFetched }
func (ProcessingEvent) Kind() Kind    { return KindProcessing }
func (ClassifyingEvent) Kind() Kind   { return KindClassifying }
func (ClassifiedEvent) Kind() Kind    { return KindClassified }
func (ReplyingEvent) Kind() Kind      { return KindReplying }
func (RepliedEvent) Kind() Kind       { return KindReplied }
func (ReplyFailedEvent) Kind() Kind   { return KindReplyFailed }
func (ReviewQueuedEvent) Kind() Kind  { return KindReviewQueued }
func (EmailCompleteEvent) Kind() Kind { return KindEmailComplete }
func (CompleteEvent) Kind() Kind      { return KindComplete }
func (ErrorEvent) Kind() Kind         { return KindError }

func (StatusEvent) isEvent()        {}
func (FetchedEvent) isEvent()       {}
func (ProcessingEvent) isEvent()    {}
func (ClassifyingEvent) isEvent()   {}
func (ClassifiedEvent) isEvent()    {}
func (ReplyingEvent) isEvent()      {}
func (RepliedEvent) isEvent()       {}
func (ReplyFailedEvent) isEvent()   {}
func (ReviewQueuedEvent) isEvent()  {}
func (EmailCompleteEvent) isEvent() {}
func (CompleteEvent) isEvent()      {}
func (ErrorEvent) isEvent()         {}

// TransportFailure builds the synthetic error raised when the channel drops.
func TransportFailure() ErrorEvent {
	return ErrorEvent{Message: MessageConnectionLost, Source: SourceTransport}
}

// ProtocolFailure builds the synthetic error raised for undecodable frames.
func ProtocolFailure() ErrorEvent {
	return ErrorEvent{Message: MessageMalformed, Source: SourceProtocol}
}

// IsTerminal reports whether evt ends a session.
func IsTerminal(evt Event) bool {
	switch evt.(type) {
	case CompleteEvent, ErrorEvent:
		return true
	default:
		return false
	}
}

// Decode parses one frame payload into a typed Event.
func Decode(data []byte) (Event, error) {
	var peek struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var (
		evt Event
		err error
	)
	switch peek.Type {
	case KindStatus:
		evt, err = decodeAs[StatusEvent](data)
	case KindFetched:
		evt, err = decodeAs[FetchedEvent](data)
	case KindProcessing:
		evt, err = decodeAs[ProcessingEvent](data)
	case KindClassifying:
		evt, err = decodeAs[ClassifyingEvent](data)
	case KindClassified:
		evt, err = decodeAs[ClassifiedEvent](data)
	case KindReplying:
		evt, err = decodeAs[ReplyingEvent](data)
	case KindReplied:
		evt, err = decodeAs[RepliedEvent](data)
	case KindReplyFailed:
		evt, err = decodeAs[ReplyFailedEvent](data)
	case KindReviewQueued:
		evt, err = decodeAs[ReviewQueuedEvent](data)
	case KindEmailComplete:
		evt, err = decodeAs[EmailCompleteEvent](data)
	case KindComplete:
		evt, err = decodeAs[CompleteEvent](data)
	case KindError:
		var e ErrorEvent
		if err = json.Unmarshal(data, &e); err == nil {
			e.Source = SourceApplication
			evt = e
		}
	case "":
		return nil, errors.New("frame has no type")
	default:
		return nil, fmt.Errorf("unknown event type %q", peek.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", peek.Type, err)
	}
	if err := Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Decode
	}
	return v, nil
}

// Validate performs coarse validation on decoded payloads.
func Validate(evt Event) error {
	switch e := evt.(type) {
	case StatusEvent:
		if e.Step < 0 || e.Total < 0 {
			return errors.New("status step and total must be >= 0")
		}
	case FetchedEvent:
		if e.Count < 0 {
			return errors.New("fetched count must be >= 0")
		}
	case ProcessingEvent:
		if e.Current < 1 || e.Total < 1 {
			return errors.New("processing current and total must be >= 1")
		}
	case EmailCompleteEvent:
		if e.Current < 0 || e.Total < 0 {
			return errors.New("email_complete current and total must be >= 0")
		}
	case CompleteEvent:
		if e.Processed < 0 {
			return errors.New("complete processed must be >= 0")
		}
	}
	return nil
}
