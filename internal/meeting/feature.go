package meeting

import (
	"github.com/elmops/elm/internal/proto"
	"github.com/elmops/elm/internal/session"
)

// Feature wires the meeting into a session. An identity that departs is
// removed from the participant list by the host. Participants join and
// leave only as themselves.
func Feature() session.Feature[State] {
	return session.Feature[State]{
		Name:      "meeting",
		Domain:    DomainID,
		Handlers:  Handlers(),
		Bootstrap: Bootstrap,
		Role:      RoleFor,
		Subject:   Subject,
		Delegate:  ManageParticipants,
		Departure: func(id string) (proto.Action, bool) {
			a, err := Leave(id)
			return a, err == nil
		},
	}
}
