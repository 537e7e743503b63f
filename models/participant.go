package models

import (
	"github.com/densemesh/densemesh/messages"
)

// A session participant.
type Participant struct {
	ID        uint32
	Responder messages.ResponseSender
}

func ParticipantIDs(participants []*Participant) []uint32 {
	ids := make([]uint32, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}
	return ids
}
