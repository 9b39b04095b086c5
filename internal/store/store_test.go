package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elmops/elm/internal/authz"
	"github.com/elmops/elm/internal/errs"
	"github.com/elmops/elm/internal/metrics"
	"github.com/elmops/elm/internal/proto"
	"github.com/elmops/elm/internal/testutil"
)

type board struct {
	Count int               `json:"count"`
	Notes []string          `json:"notes"`
	Tags  map[string]string `json:"tags"`
}

var (
	capIncrement = authz.NewCapability("increment")
	capNote      = authz.NewCapability("note")
)

func boardHandlers() map[string]Handler[board] {
	return map[string]Handler[board]{
		"increment": {
			Capability: capIncrement,
			Apply: func(b *board, _ json.RawMessage) error {
				b.Count++
				return nil
			},
		},
		"note": {
			Capability: capNote,
			Apply: func(b *board, payload json.RawMessage) error {
				var text string
				if err := json.Unmarshal(payload, &text); err != nil {
					return err
				}
				if text == "" {
					return errors.New("empty note")
				}
				b.Notes = append(b.Notes, text)
				return nil
			},
		},
	}
}

func action(t *testing.T, name string, payload any) proto.Action {
	t.Helper()
	a, err := proto.NewAction(name, payload)
	require.NoError(t, err)
	return a
}

func TestAuthoritativeApplyBumpsVersion(t *testing.T) {
	clock := testutil.NewClock(time.UnixMilli(1_000))
	s := NewAuthoritative("meeting", board{}, boardHandlers(), Options{Clock: clock.Now})

	u, err := s.Apply(action(t, "increment", nil))
	require.NoError(t, err)
	require.Equal(t, uint64(1), u.Version)
	require.Equal(t, int64(1_000), u.Timestamp)
	require.Equal(t, 1, u.State.Count)

	clock.Advance(time.Second)
	u, err = s.Apply(action(t, "note", "hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), u.Version)
	require.Equal(t, int64(2_000), u.Timestamp)
	require.Equal(t, []string{"hello"}, s.State().Notes)
	require.Equal(t, uint64(2), s.Version())
}

func TestUnknownActionLeavesStateUntouched(t *testing.T) {
	s := NewAuthoritative("meeting", board{}, boardHandlers(), Options{})
	_, err := s.Apply(action(t, "explode", nil))
	require.ErrorIs(t, err, errs.ErrUnknownAction)
	require.Zero(t, s.Version())
}

func TestFailedHandlerDoesNotCommit(t *testing.T) {
	s := NewAuthoritative("meeting", board{Count: 3}, boardHandlers(), Options{})
	_, err := s.Apply(action(t, "note", ""))
	require.Error(t, err)
	require.Zero(t, s.Version())
	require.Equal(t, 3, s.State().Count)
	require.Empty(t, s.State().Notes)
}

func TestFollowerIsReadOnly(t *testing.T) {
	s := NewFollower("meeting", board{}, Options{})
	_, err := s.Apply(action(t, "increment", nil))
	require.ErrorIs(t, err, errs.ErrReadOnly)
}

func TestStateIsACopy(t *testing.T) {
	s := NewAuthoritative("meeting", board{Tags: map[string]string{"a": "1"}}, boardHandlers(), Options{})
	st := s.State()
	st.Count = 99
	st.Tags["a"] = "changed"
	st.Notes = append(st.Notes, "x")

	again := s.State()
	require.Equal(t, 0, again.Count)
	require.Equal(t, "1", again.Tags["a"])
	require.Empty(t, again.Notes)
}

func TestFollowerAppliesOnlyNewerUpdates(t *testing.T) {
	m := metrics.New()
	s := NewFollower("meeting", board{}, Options{Metrics: m})

	// The first update is accepted whatever its version.
	require.True(t, s.ApplyUpdate(Update[board]{State: board{Count: 5}, Version: 5}))
	require.False(t, s.ApplyUpdate(Update[board]{State: board{Count: 4}, Version: 4}))
	require.False(t, s.ApplyUpdate(Update[board]{State: board{Count: 50}, Version: 5}))
	require.True(t, s.ApplyUpdate(Update[board]{State: board{Count: 6}, Version: 6}))

	require.Equal(t, 6, s.State().Count)
	require.Equal(t, uint64(6), s.Version())
	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.Store.UpdatesApplied)
	require.Equal(t, uint64(2), snap.Store.UpdatesDropped)
}

func TestResetAcceptsOlderSource(t *testing.T) {
	s := NewFollower("meeting", board{}, Options{})
	require.True(t, s.ApplyUpdate(Update[board]{State: board{Count: 9}, Version: 9}))
	s.Reset()
	require.False(t, s.Received())
	require.Equal(t, 9, s.State().Count)
	require.True(t, s.ApplyUpdate(Update[board]{State: board{Count: 1}, Version: 1}))
	require.Equal(t, uint64(1), s.Version())
}

func TestAuthoritativeIgnoresUpdates(t *testing.T) {
	s := NewAuthoritative("meeting", board{}, boardHandlers(), Options{})
	require.False(t, s.ApplyUpdate(Update[board]{State: board{Count: 7}, Version: 7}))
	require.Zero(t, s.State().Count)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	s := NewAuthoritative("meeting", board{}, boardHandlers(), Options{})
	var first, second []uint64
	unsub := s.Subscribe(func(u Update[board]) { first = append(first, u.Version) })
	s.Subscribe(func(u Update[board]) {
		second = append(second, u.Version)
		u.State.Count = 1000
	})

	_, err := s.Apply(action(t, "increment", nil))
	require.NoError(t, err)
	unsub()
	_, err = s.Apply(action(t, "increment", nil))
	require.NoError(t, err)

	require.Equal(t, []uint64{1}, first)
	require.Equal(t, []uint64{1, 2}, second)
	require.Equal(t, 2, s.State().Count)
}

func TestCapabilityLookup(t *testing.T) {
	s := NewAuthoritative("meeting", board{}, boardHandlers(), Options{})
	c, ok := s.Capability("note")
	require.True(t, ok)
	require.Equal(t, capNote, c)
	_, ok = s.Capability("missing")
	require.False(t, ok)
}

type cloned struct {
	Value  int
	copies *int
}

func (c cloned) Clone() cloned {
	*c.copies++
	return cloned{Value: c.Value, copies: c.copies}
}

func TestClonerIsPreferred(t *testing.T) {
	n := 0
	s := NewFollower("x", cloned{Value: 1, copies: &n}, Options{})
	_ = s.State()
	require.Equal(t, 1, n)
}

func TestWireRoundTrip(t *testing.T) {
	wire, err := EncodeUpdate(Update[board]{State: board{Count: 2, Notes: []string{"a"}}, Version: 3, Timestamp: 4})
	require.NoError(t, err)
	u, err := DecodeUpdate[board](wire)
	require.NoError(t, err)
	require.Equal(t, uint64(3), u.Version)
	require.Equal(t, []string{"a"}, u.State.Notes)

	_, err = DecodeUpdate[board](proto.Update{State: []byte(`"nope"`)})
	require.ErrorIs(t, err, errs.ErrMalformedFrame)
}
