// Package authz is the domain / role / capability tree that decides whether
// an identity may perform an operation.
package authz

// Capability is an unforgeable permission token. Two capabilities are equal
// only if they are the same token; the name is informational.
type Capability struct {
	c *capability
}

type capability struct {
	name string
}

// NewCapability mints a fresh token. Call it once per permission, at package
// init, and share the value.
func NewCapability(name string) Capability {
	return Capability{c: &capability{name: name}}
}

func (c Capability) String() string {
	if c.c == nil {
		return "<none>"
	}
	return c.c.name
}

// Valid reports whether c was minted by NewCapability.
func (c Capability) Valid() bool {
	return c.c != nil
}

// Capabilities of the system domain.
var (
	AddRole      = NewCapability("add-role")
	AssignRole   = NewCapability("assign-role")
	RevokeRole   = NewCapability("revoke-role")
	AddSubdomain = NewCapability("add-subdomain")
)

type capSet map[Capability]struct{}

func newCapSet(caps ...Capability) capSet {
	s := make(capSet, len(caps))
	for _, c := range caps {
		if c.Valid() {
			s[c] = struct{}{}
		}
	}
	return s
}

func (s capSet) has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s capSet) list() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}
