package authz

import (
	"fmt"
	"sort"
	"sync"

	"github.com/elmops/elm/internal/errs"
)

type DomainID string

type RoleID string

const (
	SystemDomainID DomainID = "system"
	SystemAdmin    RoleID   = "system-admin"
)

// Role bundles capabilities under a name.
type Role struct {
	ID          RoleID
	DisplayName string
	caps        capSet
}

func NewRole(id RoleID, displayName string, caps ...Capability) Role {
	return Role{ID: id, DisplayName: displayName, caps: newCapSet(caps...)}
}

func (r Role) Has(c Capability) bool {
	return r.caps.has(c)
}

func (r Role) Capabilities() []Capability {
	return r.caps.list()
}

// DomainSpec describes a domain to be added to the model.
type DomainSpec struct {
	ID           DomainID
	Name         string
	Capabilities []Capability
	Roles        []Role
}

// Assignment binds a user to a role inside one domain.
type Assignment struct {
	UserID string
	RoleID RoleID
}

type domain struct {
	id          DomainID
	name        string
	parent      DomainID
	children    []DomainID
	caps        capSet
	roles       map[RoleID]Role
	assignments map[string]RoleID
	members     map[string]struct{}
}

func newDomain(spec DomainSpec, parent DomainID) *domain {
	d := &domain{
		id:          spec.ID,
		name:        spec.Name,
		parent:      parent,
		caps:        newCapSet(spec.Capabilities...),
		roles:       make(map[RoleID]Role, len(spec.Roles)),
		assignments: make(map[string]RoleID),
		members:     make(map[string]struct{}),
	}
	for _, r := range spec.Roles {
		d.roles[r.ID] = r
	}
	return d
}

// DomainView is a read-only snapshot of one domain.
type DomainView struct {
	ID          DomainID
	Name        string
	Parent      DomainID
	Children    []DomainID
	Roles       []RoleID
	Assignments []Assignment
	Members     []string
}

// Model is a forest of domains stored as a flat arena keyed by id. Parent
// and child links are ids, set once when a domain is added.
type Model struct {
	mu      sync.RWMutex
	domains map[DomainID]*domain
	roots   []DomainID
}

func NewModel() *Model {
	return &Model{domains: make(map[DomainID]*domain)}
}

// NewSystemModel creates the root system domain and makes ownerID its
// administrator.
func NewSystemModel(ownerID string) *Model {
	m := NewModel()
	sys := newDomain(DomainSpec{
		ID:           SystemDomainID,
		Name:         "System",
		Capabilities: []Capability{AddRole, AssignRole, RevokeRole, AddSubdomain},
		Roles: []Role{
			NewRole(SystemAdmin, "System Administrator", AddRole, AssignRole, RevokeRole, AddSubdomain),
		},
	}, "")
	sys.assignments[ownerID] = SystemAdmin
	sys.members[ownerID] = struct{}{}
	m.domains[sys.id] = sys
	m.roots = append(m.roots, sys.id)
	return m
}

// AddRoot adds a top-level domain. It is a bootstrap operation and is not
// capability checked.
func (m *Model) AddRoot(spec DomainSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[spec.ID]; ok {
		return fmt.Errorf("%w: %s", errs.ErrSubdomainAlreadyExists, spec.ID)
	}
	m.domains[spec.ID] = newDomain(spec, "")
	m.roots = append(m.roots, spec.ID)
	return nil
}

// IsAuthorized walks the forest breadth-first in insertion order and reports
// whether userID holds, in some domain, a role granting c where the domain
// itself also grants c.
func (m *Model) IsAuthorized(userID string, c Capability) bool {
	if !c.Valid() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAuthorizedLocked(userID, c)
}

func (m *Model) isAuthorizedLocked(userID string, c Capability) bool {
	queue := append([]DomainID(nil), m.roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		d, ok := m.domains[id]
		if !ok {
			continue
		}
		if d.caps.has(c) {
			if roleID, ok := d.assignments[userID]; ok {
				if role, ok := d.roles[roleID]; ok && role.Has(c) {
					return true
				}
			}
		}
		queue = append(queue, d.children...)
	}
	return false
}

func (m *Model) require(actorID string, c Capability) error {
	if !m.isAuthorizedLocked(actorID, c) {
		return fmt.Errorf("%w: %s lacks %s", errs.ErrPermissionDenied, actorID, c)
	}
	return nil
}

func (m *Model) lookup(id DomainID) (*domain, error) {
	d, ok := m.domains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownDomain, id)
	}
	return d, nil
}

// AssignRole gives userID roleID in domainID, replacing any previous role
// there. The assigner needs the assign-role capability.
func (m *Model) AssignRole(assignerID string, domainID DomainID, userID string, roleID RoleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(assignerID, AssignRole); err != nil {
		return err
	}
	d, err := m.lookup(domainID)
	if err != nil {
		return err
	}
	if _, ok := d.roles[roleID]; !ok {
		return fmt.Errorf("%w: %s in %s", errs.ErrInvalidRole, roleID, domainID)
	}
	d.assignments[userID] = roleID
	d.members[userID] = struct{}{}
	return nil
}

// RevokeRole removes userID's role and membership in domainID.
func (m *Model) RevokeRole(revokerID string, domainID DomainID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(revokerID, RevokeRole); err != nil {
		return err
	}
	d, err := m.lookup(domainID)
	if err != nil {
		return err
	}
	delete(d.assignments, userID)
	delete(d.members, userID)
	return nil
}

// AddRole defines a new role in domainID.
func (m *Model) AddRole(actorID string, domainID DomainID, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(actorID, AddRole); err != nil {
		return err
	}
	d, err := m.lookup(domainID)
	if err != nil {
		return err
	}
	if _, ok := d.roles[role.ID]; ok {
		return fmt.Errorf("%w: %s", errs.ErrRoleAlreadyExists, role.ID)
	}
	if role.caps == nil {
		role.caps = newCapSet()
	}
	d.roles[role.ID] = role
	return nil
}

// AddSubDomain attaches a new domain under parentID. Domain ids are unique
// across the whole model.
func (m *Model) AddSubDomain(actorID string, parentID DomainID, spec DomainSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(actorID, AddSubdomain); err != nil {
		return err
	}
	parent, err := m.lookup(parentID)
	if err != nil {
		return err
	}
	if _, ok := m.domains[spec.ID]; ok {
		return fmt.Errorf("%w: %s", errs.ErrSubdomainAlreadyExists, spec.ID)
	}
	m.domains[spec.ID] = newDomain(spec, parentID)
	parent.children = append(parent.children, spec.ID)
	return nil
}

// RoleOf returns the role userID holds in domainID.
func (m *Model) RoleOf(domainID DomainID, userID string) (RoleID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[domainID]
	if !ok {
		return "", false
	}
	r, ok := d.assignments[userID]
	return r, ok
}

// Members lists the members of domainID in sorted order.
func (m *Model) Members(domainID DomainID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[domainID]
	if !ok {
		return nil
	}
	return sortedMembers(d)
}

func (m *Model) Domain(id DomainID) (DomainView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[id]
	if !ok {
		return DomainView{}, false
	}
	view := DomainView{
		ID:       d.id,
		Name:     d.name,
		Parent:   d.parent,
		Children: append([]DomainID(nil), d.children...),
		Members:  sortedMembers(d),
	}
	for rid := range d.roles {
		view.Roles = append(view.Roles, rid)
	}
	sort.Slice(view.Roles, func(i, j int) bool { return view.Roles[i] < view.Roles[j] })
	for user, role := range d.assignments {
		view.Assignments = append(view.Assignments, Assignment{UserID: user, RoleID: role})
	}
	sort.Slice(view.Assignments, func(i, j int) bool { return view.Assignments[i].UserID < view.Assignments[j].UserID })
	return view, true
}

func sortedMembers(d *domain) []string {
	out := make([]string, 0, len(d.members))
	for id := range d.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
