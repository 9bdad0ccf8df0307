// Package envelope defines the single wire message type shared by every
// meshbus interaction — requests, responses, events, subscription control
// messages, heartbeats, and shutdown signals all travel as an Envelope.
//
// Construction goes through the smart constructors (NewRequest, NewResponse,
// NewErrorFor, NewEvent, NewSubscribe, NewUnsubscribe, NewHeartbeat,
// NewShutdown) so the kind-specific field requirements hold by
// construction. A binary codec (Marshal/Unmarshal) frames the Envelope
// itself for transport; it does not interpret Payload, which is opaque
// bytes chosen by the caller (see pkg/codec).
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the eight envelope roles.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindEvent
	KindSubscribe
	KindUnsubscribe
	KindHeartbeat
	KindError
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ID is the 128-bit envelope identifier, generated fresh per envelope.
// UUIDv7 values are time-ordered, so IDs sort by creation time.
type ID = uuid.UUID

// NewID generates a fresh, time-ordered identifier.
func NewID() ID {
	return uuid.Must(uuid.NewV7())
}

// Metadata carries the envelope's creation timestamp and optional
// deadline and content-type tag.
type Metadata struct {
	CreatedAt   time.Time
	Deadline    *time.Time
	ContentType *string
}

// Envelope is the one wire type for all meshbus interactions.
type Envelope struct {
	ID            ID
	Kind          Kind
	Source        string
	Target        *string
	Topic         *string
	Payload       []byte
	CorrelationID *ID
	Metadata      Metadata
}

// ShutdownTopic is the literal topic value required on Shutdown envelopes.
const ShutdownTopic = "shutdown"

func newBase(kind Kind, source string) Envelope {
	return Envelope{
		ID:     NewID(),
		Kind:   kind,
		Source: source,
		Metadata: Metadata{
			CreatedAt: time.Now(),
		},
	}
}

// NewRequest builds a Request envelope. topic must be non-empty with
// exactly one '/' ("<namespace>/<method>"). An empty target means
// broadcast: any hub with a matching handler may answer. The request's
// own ID is not set as its correlation_id — the caller correlates replies
// by ID; correlation_id is reserved for Response and Error envelopes.
func NewRequest(source, target, topic string, payload []byte) (Envelope, error) {
	if err := ValidateServiceTopic(topic); err != nil {
		return Envelope{}, err
	}
	e := newBase(KindRequest, source)
	if target != "" {
		e.Target = &target
	}
	e.Topic = &topic
	e.Payload = payload
	return e, nil
}

// ValidateServiceTopic checks a request topic: non-empty namespace and
// method joined by exactly one '/'.
func ValidateServiceTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("envelope: request topic must be non-empty")
	}
	if strings.Count(topic, "/") != 1 {
		return fmt.Errorf("envelope: request topic %q must contain exactly one '/'", topic)
	}
	parts := strings.SplitN(topic, "/", 2)
	if parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("envelope: request topic %q must have non-empty namespace and method", topic)
	}
	return nil
}

// SplitServiceTopic splits a validated "<namespace>/<method>" topic.
func SplitServiceTopic(topic string) (namespace, method string, err error) {
	if err := ValidateServiceTopic(topic); err != nil {
		return "", "", err
	}
	parts := strings.SplitN(topic, "/", 2)
	return parts[0], parts[1], nil
}

// NewResponse builds a Response envelope replying to req: correlation_id
// is req.ID, and target is req.Source.
func NewResponse(source string, req Envelope, payload []byte) Envelope {
	e := newBase(KindResponse, source)
	target := req.Source
	e.Target = &target
	e.Topic = req.Topic
	e.Payload = payload
	cid := req.ID
	e.CorrelationID = &cid
	return e
}

// NewErrorFor builds an Error envelope replying to req, carrying the
// serialized error reason as payload. Correlation and target are set the
// same way NewResponse sets them.
func NewErrorFor(source string, req Envelope, payload []byte) Envelope {
	e := NewResponse(source, req, payload)
	e.Kind = KindError
	return e
}

// NewEvent builds an Event envelope: topic set, correlation_id unset.
func NewEvent(source, topic string, payload []byte) (Envelope, error) {
	if topic == "" {
		return Envelope{}, fmt.Errorf("envelope: event topic must be non-empty")
	}
	e := newBase(KindEvent, source)
	e.Topic = &topic
	e.Payload = payload
	return e, nil
}

// NewSubscribe builds a Subscribe envelope carrying the topic pattern.
func NewSubscribe(source, pattern string) Envelope {
	e := newBase(KindSubscribe, source)
	e.Topic = &pattern
	return e
}

// NewUnsubscribe builds an Unsubscribe envelope for the given pattern.
func NewUnsubscribe(source, pattern string) Envelope {
	e := newBase(KindUnsubscribe, source)
	e.Topic = &pattern
	return e
}

// NewHeartbeat builds an informational Heartbeat envelope.
func NewHeartbeat(source string) Envelope {
	return newBase(KindHeartbeat, source)
}

// NewShutdown builds a Shutdown envelope. source must equal the issuing
// hub's name; receivers use this to recognize their own shutdown signal.
func NewShutdown(source string) Envelope {
	e := newBase(KindShutdown, source)
	topic := ShutdownTopic
	e.Topic = &topic
	return e
}

// IsRequest, IsResponse, IsError, IsEvent are convenience predicates.
func (e Envelope) IsRequest() bool  { return e.Kind == KindRequest }
func (e Envelope) IsResponse() bool { return e.Kind == KindResponse }
func (e Envelope) IsError() bool    { return e.Kind == KindError }
func (e Envelope) IsEvent() bool    { return e.Kind == KindEvent }

// TopicOrEmpty returns the Topic field or "" if unset.
func (e Envelope) TopicOrEmpty() string {
	if e.Topic == nil {
		return ""
	}
	return *e.Topic
}

// TargetOrEmpty returns the Target field or "" if unset (broadcast).
func (e Envelope) TargetOrEmpty() string {
	if e.Target == nil {
		return ""
	}
	return *e.Target
}

// Validate checks the kind-specific field requirements: requests carry a
// well-formed service topic, responses and errors carry a correlation id,
// events carry a topic and no correlation id. ID uniqueness is a producer
// guarantee, not independently checkable here.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindRequest:
		return ValidateServiceTopic(e.TopicOrEmpty())
	case KindResponse, KindError:
		if e.CorrelationID == nil {
			return fmt.Errorf("envelope: %s must have correlation_id set", e.Kind)
		}
	case KindEvent:
		if e.Topic == nil {
			return fmt.Errorf("envelope: event must have topic set")
		}
		if e.CorrelationID != nil {
			return fmt.Errorf("envelope: event must not have correlation_id set")
		}
	}
	if e.Source == "" {
		return fmt.Errorf("envelope: source must be non-empty")
	}
	return nil
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{ID: %s, Kind: %s, Source: %s, Target: %s, Topic: %s}",
		e.ID, e.Kind, e.Source, e.TargetOrEmpty(), e.TopicOrEmpty())
}
