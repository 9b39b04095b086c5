// Package meeting is the replicated meeting: who is in it, which phase of
// its template it is in, and whether it is running.
package meeting

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Phase struct {
	Name        string `json:"name"`
	Duration    int64  `json:"duration"` // seconds
	IsAdminTime bool   `json:"isAdminTime"`
}

type Template struct {
	Name   string  `json:"name"`
	Phases []Phase `json:"phases"`
}

// TotalDuration sums the phase durations.
func (t Template) TotalDuration() time.Duration {
	var total int64
	for _, p := range t.Phases {
		total += p.Duration
	}
	return time.Duration(total) * time.Second
}

type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost,omitempty"`
}

type Meeting struct {
	ID           string        `json:"id"`
	ConnectionID string        `json:"connectionId,omitempty"`
	Template     Template      `json:"template"`
	Participants []Participant `json:"participants"`
	CurrentPhase int           `json:"currentPhase"`
	StartTime    int64         `json:"startTime,omitempty"`
	EndTime      int64         `json:"endTime,omitempty"`
	IsActive     bool          `json:"isActive"`
}

// Participant looks up a participant by id.
func (m *Meeting) Participant(id string) (Participant, bool) {
	for _, p := range m.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Phase returns the current phase, if the template has one.
func (m *Meeting) Phase() (Phase, bool) {
	if m.CurrentPhase < 0 || m.CurrentPhase >= len(m.Template.Phases) {
		return Phase{}, false
	}
	return m.Template.Phases[m.CurrentPhase], true
}

// State is the replicated value. Meeting is nil until one is created.
type State struct {
	Meeting *Meeting `json:"meeting"`
}

func (s State) Clone() State {
	if s.Meeting == nil {
		return State{}
	}
	m := *s.Meeting
	m.Template.Phases = append([]Phase(nil), s.Meeting.Template.Phases...)
	m.Participants = append([]Participant(nil), s.Meeting.Participants...)
	return State{Meeting: &m}
}

// NewMeeting creates a stopped meeting at phase zero with host as its only
// participant.
func NewMeeting(template Template, host Participant) (State, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return State{}, fmt.Errorf("meeting id: %w", err)
	}
	host.IsHost = true
	return State{Meeting: &Meeting{
		ID:           id.String(),
		ConnectionID: host.ID,
		Template:     template,
		Participants: []Participant{host},
	}}, nil
}

func StandupTemplate() Template {
	return Template{
		Name: "Daily Standup",
		Phases: []Phase{
			{Name: "Check-in", Duration: 60, IsAdminTime: true},
			{Name: "Updates", Duration: 600},
			{Name: "Blockers", Duration: 180},
			{Name: "Wrap-up", Duration: 60, IsAdminTime: true},
		},
	}
}

func RetrospectiveTemplate() Template {
	return Template{
		Name: "Retrospective",
		Phases: []Phase{
			{Name: "Set the stage", Duration: 300, IsAdminTime: true},
			{Name: "Gather data", Duration: 900},
			{Name: "Generate insights", Duration: 900},
			{Name: "Decide what to do", Duration: 600},
			{Name: "Close", Duration: 300, IsAdminTime: true},
		},
	}
}

// Templates lists the built-in templates by short name.
func Templates() map[string]Template {
	return map[string]Template{
		"standup": StandupTemplate(),
		"retro":   RetrospectiveTemplate(),
	}
}
