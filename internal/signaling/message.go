package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/observer/teacall/internal/domain"
)

// Kind is the envelope "type" field.
type Kind string

// Message kinds on the wire
const (
	KindJoin         Kind = "join"
	KindLeave        Kind = "leave"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindJoin, KindLeave, KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

// Envelope is a room-scoped signaling message. The payload fields used depend
// on Type: Participant for join, SDP for offer/answer, Candidate for ice-candidate.
type Envelope struct {
	Type        Kind                `json:"type"`
	RoomID      string              `json:"roomId"`
	From        string              `json:"from,omitempty"`
	To          string              `json:"to,omitempty"`
	Participant *domain.Participant `json:"participant,omitempty"`
	SDP         string              `json:"sdp,omitempty"`
	Candidate   json.RawMessage     `json:"candidate,omitempty"`
	// Timestamp is unix milliseconds at send time; it orders competing offers.
	Timestamp int64 `json:"ts,omitempty"`
}

// Time returns the envelope timestamp as a time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Validate checks the fields every kind requires.
func (e *Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	if e.RoomID == "" {
		return ErrMissingRoom
	}
	switch e.Type {
	case KindJoin:
		if e.Participant == nil || e.Participant.ID == "" {
			return fmt.Errorf("%w: join without participant", ErrMalformed)
		}
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformed, e.Type)
		}
	case KindICECandidate:
		if len(e.Candidate) == 0 {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrMalformed)
		}
	}
	return nil
}

// Encode marshals a validated envelope.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode unmarshals and validates a wire message.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// NewJoin announces self in roomID.
func NewJoin(roomID string, self domain.Participant) *Envelope {
	p := self
	return &Envelope{Type: KindJoin, RoomID: roomID, From: self.ID, Participant: &p}
}

// NewLeave announces departure from roomID.
func NewLeave(roomID, from string) *Envelope {
	return &Envelope{Type: KindLeave, RoomID: roomID, From: from}
}

// NewOffer carries an SDP offer to a participant.
func NewOffer(roomID, from, to, sdp string) *Envelope {
	return &Envelope{Type: KindOffer, RoomID: roomID, From: from, To: to, SDP: sdp}
}

// NewAnswer carries an SDP answer to a participant.
func NewAnswer(roomID, from, to, sdp string) *Envelope {
	return &Envelope{Type: KindAnswer, RoomID: roomID, From: from, To: to, SDP: sdp}
}

// NewCandidate carries one trickled ICE candidate.
func NewCandidate(roomID, from, to string, candidate json.RawMessage) *Envelope {
	return &Envelope{Type: KindICECandidate, RoomID: roomID, From: from, To: to, Candidate: candidate}
}
