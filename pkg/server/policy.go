package server

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
)

// Room name prefixes.
const (
	RolePrefix = "role:"
	UserPrefix = "user:"
)

// RoleRoom returns the room shared by every connection of a role.
func RoleRoom(role session.Role) string { return RolePrefix + string(role) }

// UserRoom returns the room of a single user.
func UserRoom(userID string) string { return UserPrefix + userID }

// Policy maps an event to the rooms it is fanned out to. A Policy is
// immutable once built.
type Policy struct {
	fanout map[protocol.EventName][]string
}

type policyFile struct {
	Fanout map[string][]string `yaml:"fanout"`
}

// DefaultPolicy sends order status updates to the staff roles that track
// orders.
func DefaultPolicy() *Policy {
	return &Policy{fanout: map[protocol.EventName][]string{
		protocol.EventOrderStatusUpdate: {
			RoleRoom(session.RoleAdmin),
			RoleRoom(session.RoleManager),
			RoleRoom(session.RoleWaiter),
			RoleRoom(session.RoleChef),
		},
	}}
}

// ParsePolicy parses a YAML policy document:
//
//	fanout:
//	  order_status_update: [role:admin, role:manager, role:waiter, role:chef]
//
// Events missing from the document are not fanned out.
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if f.Fanout == nil {
		return nil, fmt.Errorf("%w: missing fanout table", ErrInvalidPolicy)
	}

	p := &Policy{fanout: make(map[protocol.EventName][]string, len(f.Fanout))}
	for name, rooms := range f.Fanout {
		event := protocol.EventName(name)
		if event != protocol.EventOrderStatusUpdate {
			return nil, fmt.Errorf("%w: event %q cannot be fanned out", ErrInvalidPolicy, name)
		}
		var targets []string
		for _, room := range rooms {
			room = strings.TrimSpace(room)
			if err := validateRoom(room); err != nil {
				return nil, err
			}
			if !slices.Contains(targets, room) {
				targets = append(targets, room)
			}
		}
		p.fanout[event] = targets
	}
	return p, nil
}

// LoadPolicy reads and parses a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// Targets returns the rooms event is fanned out to.
func (p *Policy) Targets(event protocol.EventName) []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.fanout[event])
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	out := &Policy{fanout: make(map[protocol.EventName][]string, len(p.fanout))}
	for event, rooms := range p.fanout {
		out.fanout[event] = slices.Clone(rooms)
	}
	return out
}

func validateRoom(room string) error {
	switch {
	case strings.HasPrefix(room, RolePrefix):
		if _, ok := session.ParseRole(strings.TrimPrefix(room, RolePrefix)); !ok {
			return fmt.Errorf("%w: unknown role in room %q", ErrInvalidPolicy, room)
		}
	case strings.HasPrefix(room, UserPrefix):
		if strings.TrimPrefix(room, UserPrefix) == "" {
			return fmt.Errorf("%w: empty user room", ErrInvalidPolicy)
		}
	default:
		return fmt.Errorf("%w: room %q must start with %q or %q", ErrInvalidPolicy, room, RolePrefix, UserPrefix)
	}
	return nil
}
