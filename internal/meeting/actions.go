package meeting

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elmops/elm/internal/authz"
	"github.com/elmops/elm/internal/proto"
	"github.com/elmops/elm/internal/store"
)

const (
	ActionJoin        = "meeting/join"
	ActionLeave       = "meeting/leave"
	ActionUpdatePhase = "meeting/updatePhase"
	ActionStart       = "meeting/start"
	ActionStop        = "meeting/stop"
)

var (
	JoinMeeting  = authz.NewCapability("meeting.join")
	LeaveMeeting = authz.NewCapability("meeting.leave")
	AdvancePhase = authz.NewCapability("meeting.advance-phase")
	StartMeeting = authz.NewCapability("meeting.start")
	StopMeeting  = authz.NewCapability("meeting.stop")
	// ManageParticipants lets a sender join or remove someone other than
	// itself.
	ManageParticipants = authz.NewCapability("meeting.manage-participants")
)

var (
	ErrNoMeeting          = errors.New("no meeting")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrPhaseOutOfRange    = errors.New("phase out of range")
)

type JoinPayload struct {
	Participant Participant `json:"participant"`
}

type LeavePayload struct {
	ParticipantID string `json:"participantId"`
}

type UpdatePhasePayload struct {
	Phase int `json:"phase"`
}

type StartPayload struct {
	StartTime int64 `json:"startTime"`
}

type StopPayload struct {
	EndTime int64 `json:"endTime"`
}

// Handlers is the action table of the meeting store.
func Handlers() map[string]store.Handler[State] {
	return map[string]store.Handler[State]{
		ActionJoin:        {Capability: JoinMeeting, Apply: withMeeting(join)},
		ActionLeave:       {Capability: LeaveMeeting, Apply: withMeeting(leave)},
		ActionUpdatePhase: {Capability: AdvancePhase, Apply: withMeeting(updatePhase)},
		ActionStart:       {Capability: StartMeeting, Apply: withMeeting(start)},
		ActionStop:        {Capability: StopMeeting, Apply: withMeeting(stop)},
	}
}

func withMeeting(fn func(*Meeting, json.RawMessage) error) func(*State, json.RawMessage) error {
	return func(s *State, payload json.RawMessage) error {
		if s.Meeting == nil {
			return ErrNoMeeting
		}
		return fn(s.Meeting, payload)
	}
}

func decode[T any](payload json.RawMessage) (T, error) {
	var out T
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// join is idempotent by participant id; a repeated join refreshes the name.
func join(m *Meeting, payload json.RawMessage) error {
	p, err := decode[JoinPayload](payload)
	if err != nil {
		return err
	}
	if p.Participant.ID == "" {
		return ErrInvalidParticipant
	}
	for i, cur := range m.Participants {
		if cur.ID == p.Participant.ID {
			m.Participants[i].Name = p.Participant.Name
			return nil
		}
	}
	m.Participants = append(m.Participants, Participant{ID: p.Participant.ID, Name: p.Participant.Name})
	return nil
}

func leave(m *Meeting, payload json.RawMessage) error {
	p, err := decode[LeavePayload](payload)
	if err != nil {
		return err
	}
	kept := m.Participants[:0]
	for _, cur := range m.Participants {
		if cur.ID != p.ParticipantID {
			kept = append(kept, cur)
		}
	}
	m.Participants = kept
	return nil
}

// Subject names the participant a join or leave is about. Other actions,
// and joins without an id, have none.
func Subject(action proto.Action) (string, bool) {
	switch action.Type {
	case ActionJoin:
		p, err := decode[JoinPayload](action.Payload)
		if err != nil || p.Participant.ID == "" {
			return "", false
		}
		return p.Participant.ID, true
	case ActionLeave:
		p, err := decode[LeavePayload](action.Payload)
		if err != nil || p.ParticipantID == "" {
			return "", false
		}
		return p.ParticipantID, true
	}
	return "", false
}

func updatePhase(m *Meeting, payload json.RawMessage) error {
	p, err := decode[UpdatePhasePayload](payload)
	if err != nil {
		return err
	}
	if p.Phase < 0 || p.Phase >= len(m.Template.Phases) {
		return fmt.Errorf("%w: %d of %d", ErrPhaseOutOfRange, p.Phase, len(m.Template.Phases))
	}
	m.CurrentPhase = p.Phase
	return nil
}

func start(m *Meeting, payload json.RawMessage) error {
	p, err := decode[StartPayload](payload)
	if err != nil {
		return err
	}
	m.StartTime = p.StartTime
	m.EndTime = 0
	m.IsActive = true
	return nil
}

func stop(m *Meeting, payload json.RawMessage) error {
	p, err := decode[StopPayload](payload)
	if err != nil {
		return err
	}
	m.EndTime = p.EndTime
	m.IsActive = false
	return nil
}

func Join(p Participant) (proto.Action, error) {
	return proto.NewAction(ActionJoin, JoinPayload{Participant: p})
}

func Leave(participantID string) (proto.Action, error) {
	return proto.NewAction(ActionLeave, LeavePayload{ParticipantID: participantID})
}

func UpdatePhase(phase int) (proto.Action, error) {
	return proto.NewAction(ActionUpdatePhase, UpdatePhasePayload{Phase: phase})
}

func Start(at time.Time) (proto.Action, error) {
	return proto.NewAction(ActionStart, StartPayload{StartTime: at.UnixMilli()})
}

func Stop(at time.Time) (proto.Action, error) {
	return proto.NewAction(ActionStop, StopPayload{EndTime: at.UnixMilli()})
}
