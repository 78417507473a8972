package domain

import "strings"

// Participant is one side of a call: identity plus display metadata.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Validate checks that the participant carries an identity.
func (p Participant) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidParticipant
	}
	return nil
}

// Name returns the display name, falling back to the ID.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}
