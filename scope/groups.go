package scope

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// GroupSigil prefixes a scope expression that references a permission group.
const GroupSigil = "$"

// Groups maps group keys (including the leading sigil) to their member
// expressions. Groups are registered once at process start and frozen before
// the compiler uses them; after Freeze the registry is read-only.
type Groups struct {
	mu      sync.RWMutex
	members map[string][]string
	frozen  bool
}

// NewGroups creates an empty group registry.
func NewGroups() *Groups {
	return &Groups{members: make(map[string][]string)}
}

// Register adds a named group. The key must carry the group sigil. Members
// may themselves reference other groups; references are resolved at Freeze.
func (g *Groups) Register(key string, members []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return errors.New("group registry frozen")
	}
	if !strings.HasPrefix(key, GroupSigil) || len(key) == 1 {
		return fmt.Errorf("group key %q must start with %q", key, GroupSigil)
	}
	if _, exists := g.members[key]; exists {
		return fmt.Errorf("group %q already registered", key)
	}

	g.members[key] = append([]string(nil), members...)
	return nil
}

// Freeze verifies every group reference resolves and that no reference
// cycle exists, then locks the registry. A cycle or dangling reference is a
// configuration error, never a runtime concern.
func (g *Groups) Freeze() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return nil
	}

	state := make(map[string]int, len(g.members)) // 0 unseen, 1 visiting, 2 done
	var visit func(key string) error
	visit = func(key string) error {
		switch state[key] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("group reference cycle through %q", key)
		}

		members, ok := g.members[key]
		if !ok {
			return fmt.Errorf("unknown group %q", key)
		}

		state[key] = 1
		for _, member := range members {
			if strings.HasPrefix(member, GroupSigil) {
				if err := visit(member); err != nil {
					return err
				}
			}
		}
		state[key] = 2
		return nil
	}

	for key := range g.members {
		if err := visit(key); err != nil {
			return err
		}
	}

	g.frozen = true
	return nil
}

func (g *Groups) resolve(key string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members, ok := g.members[key]
	return members, ok
}
