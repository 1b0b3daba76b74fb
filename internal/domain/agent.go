package domain

import "github.com/google/uuid"

// Agent is the target entity a row's voice name resolves to. It is owned by the
// user directory and only read here.
type Agent struct {
	ID          uuid.UUID `json:"id"`
	VoiceName   string    `json:"voiceName"`
	DisplayName string    `json:"displayName,omitempty"`
}
