package meeting

import (
	"github.com/elmops/elm/internal/authz"
)

const (
	DomainID        authz.DomainID = "meeting"
	ExecutorRole    authz.RoleID   = "meeting-executor"
	ParticipantRole authz.RoleID   = "meeting-participant"
)

func DomainSpec() authz.DomainSpec {
	all := []authz.Capability{JoinMeeting, LeaveMeeting, AdvancePhase, StartMeeting, StopMeeting, ManageParticipants}
	return authz.DomainSpec{
		ID:           DomainID,
		Name:         "Meeting",
		Capabilities: all,
		Roles: []authz.Role{
			authz.NewRole(ExecutorRole, "Meeting Executor", all...),
			authz.NewRole(ParticipantRole, "Meeting Participant", JoinMeeting, LeaveMeeting),
		},
	}
}

// Bootstrap attaches the meeting domain under the system domain and makes
// hostID its executor. hostID must administer the system domain.
func Bootstrap(model *authz.Model, hostID string) error {
	if err := model.AddSubDomain(hostID, authz.SystemDomainID, DomainSpec()); err != nil {
		return err
	}
	return model.AssignRole(hostID, DomainID, hostID, ExecutorRole)
}

// RoleFor picks the role granted on key exchange.
func RoleFor(founder bool) authz.RoleID {
	if founder {
		return ExecutorRole
	}
	return ParticipantRole
}
