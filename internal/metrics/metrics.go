package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ActionRecord describes one applied store action.
type ActionRecord struct {
	Type    string    `json:"type"`
	Sender  string    `json:"sender"`
	Version uint64    `json:"version"`
	At      time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Store       StoreMetrics       `json:"store"`
	Gate        GateMetrics        `json:"gate"`
	Router      RouterMetrics      `json:"router"`
	KeyExchange KeyExchangeMetrics `json:"key_exchange"`
	Peers       PeerMetrics        `json:"peers"`
	Recent      []ActionRecord     `json:"recent"`
}

type StoreMetrics struct {
	ActionsApplied   uint64 `json:"actions_applied"`
	ActionsRejected  uint64 `json:"actions_rejected"`
	UpdatesBroadcast uint64 `json:"updates_broadcast"`
	UpdatesApplied   uint64 `json:"updates_applied"`
	UpdatesDropped   uint64 `json:"updates_dropped"`
}

type GateMetrics struct {
	Accepted     uint64            `json:"accepted"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
}

type RouterMetrics struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesRejected uint64 `json:"frames_rejected"`
	HandlerPanics  uint64 `json:"handler_panics"`
}

type KeyExchangeMetrics struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

type PeerMetrics struct {
	Current int64  `json:"current"`
	Joined  uint64 `json:"joined"`
	Lost    uint64 `json:"lost"`
	Left    uint64 `json:"left"`
}

// Metrics is safe for concurrent use. A nil *Metrics ignores every call.
type Metrics struct {
	actionsApplied   atomic.Uint64
	actionsRejected  atomic.Uint64
	updatesBroadcast atomic.Uint64
	updatesApplied   atomic.Uint64
	updatesDropped   atomic.Uint64
	gateAccepted     atomic.Uint64
	framesReceived   atomic.Uint64
	framesRejected   atomic.Uint64
	handlerPanics    atomic.Uint64
	kxAccepted       atomic.Uint64
	kxRejected       atomic.Uint64
	peersCurrent     atomic.Int64
	peersJoined      atomic.Uint64
	peersLost        atomic.Uint64
	peersLeft        atomic.Uint64

	mu           sync.Mutex
	dropByReason map[string]uint64

	recent *ActionRecent
}

func New() *Metrics {
	return &Metrics{
		dropByReason: make(map[string]uint64),
		recent:       NewActionRecent(64),
	}
}

func (m *Metrics) Recent() *ActionRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncActionApplied(rec ActionRecord) {
	if m == nil {
		return
	}
	m.actionsApplied.Add(1)
	m.recent.Add(rec)
}

func (m *Metrics) IncActionRejected() {
	if m != nil {
		m.actionsRejected.Add(1)
	}
}

func (m *Metrics) IncUpdateBroadcast() {
	if m != nil {
		m.updatesBroadcast.Add(1)
	}
}

func (m *Metrics) IncUpdateApplied() {
	if m != nil {
		m.updatesApplied.Add(1)
	}
}

func (m *Metrics) IncUpdateDropped() {
	if m != nil {
		m.updatesDropped.Add(1)
	}
}

func (m *Metrics) IncGateAccepted() {
	if m != nil {
		m.gateAccepted.Add(1)
	}
}

func (m *Metrics) IncGateDrop(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncFrameReceived() {
	if m != nil {
		m.framesReceived.Add(1)
	}
}

func (m *Metrics) IncFrameRejected() {
	if m != nil {
		m.framesRejected.Add(1)
	}
}

func (m *Metrics) IncHandlerPanic() {
	if m != nil {
		m.handlerPanics.Add(1)
	}
}

func (m *Metrics) IncKeyExchange(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.kxAccepted.Add(1)
		return
	}
	m.kxRejected.Add(1)
}

func (m *Metrics) PeerJoined() {
	if m == nil {
		return
	}
	m.peersJoined.Add(1)
	m.peersCurrent.Add(1)
}

func (m *Metrics) PeerGone(explicit bool) {
	if m == nil {
		return
	}
	if explicit {
		m.peersLeft.Add(1)
	} else {
		m.peersLost.Add(1)
	}
	if m.peersCurrent.Add(-1) < 0 {
		m.peersCurrent.Store(0)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC(), Gate: GateMetrics{DropByReason: map[string]uint64{}}, Recent: []ActionRecord{}}
	}
	m.mu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Store: StoreMetrics{
			ActionsApplied:   m.actionsApplied.Load(),
			ActionsRejected:  m.actionsRejected.Load(),
			UpdatesBroadcast: m.updatesBroadcast.Load(),
			UpdatesApplied:   m.updatesApplied.Load(),
			UpdatesDropped:   m.updatesDropped.Load(),
		},
		Gate: GateMetrics{
			Accepted:     m.gateAccepted.Load(),
			DropByReason: drops,
		},
		Router: RouterMetrics{
			FramesReceived: m.framesReceived.Load(),
			FramesRejected: m.framesRejected.Load(),
			HandlerPanics:  m.handlerPanics.Load(),
		},
		KeyExchange: KeyExchangeMetrics{
			Accepted: m.kxAccepted.Load(),
			Rejected: m.kxRejected.Load(),
		},
		Peers: PeerMetrics{
			Current: m.peersCurrent.Load(),
			Joined:  m.peersJoined.Load(),
			Lost:    m.peersLost.Load(),
			Left:    m.peersLeft.Load(),
		},
		Recent: m.recent.List(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ActionRecent is a bounded ring of the latest applied actions.
type ActionRecent struct {
	mu   sync.Mutex
	cap  int
	list []ActionRecord
}

func NewActionRecent(capacity int) *ActionRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &ActionRecent{cap: capacity}
}

func (r *ActionRecent) Add(rec ActionRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = rec
		return
	}
	r.list = append(r.list, rec)
}

func (r *ActionRecent) List() []ActionRecord {
	if r == nil {
		return []ActionRecord{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActionRecord, len(r.list))
	copy(out, r.list)
	return out
}
