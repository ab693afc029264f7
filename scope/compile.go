package scope

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Wildcard grants every permission unconditionally.
	Wildcard = "*"
	// AllIdentifier inside brackets matches any requested resource id.
	AllIdentifier = "ALL"
)

// expression grammar: permission name, optionally followed by a bracketed
// comma-separated identifier list, e.g. "orders.view[10,11]".
var exprPattern = regexp.MustCompile(`^([\w.]+?)(\[(.*)])?$`)

// Compiled is the lookup table produced from a set of scope expressions:
// permission name to allowed identifier set. A nil identifier set means the
// permission is granted without a specific-resource constraint. Compiled
// values are immutable and safe for concurrent use.
type Compiled struct {
	wildcard bool
	perms    map[string][]string
}

// Compile expands scope expressions into a Compiled table. Group references
// are resolved through groups, which may be nil when no expression uses the
// sigil. A later expression for the same permission replaces the earlier one.
func Compile(exprs []string, groups *Groups) (*Compiled, error) {
	c := &Compiled{perms: make(map[string][]string)}
	for _, expr := range exprs {
		if err := c.expand(expr, groups); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Compiled) expand(expr string, groups *Groups) error {
	if expr == Wildcard {
		c.wildcard = true
		return nil
	}

	if strings.HasPrefix(expr, GroupSigil) {
		if groups == nil {
			return fmt.Errorf("scope %q references a group but no groups are registered", expr)
		}
		members, ok := groups.resolve(expr)
		if !ok {
			return fmt.Errorf("unknown scope group %q", expr)
		}
		for _, member := range members {
			if err := c.expand(member, groups); err != nil {
				return err
			}
		}
		return nil
	}

	matches := exprPattern.FindStringSubmatch(expr)
	if matches == nil {
		return fmt.Errorf("malformed scope expression %q", expr)
	}

	name := matches[1]
	if matches[2] == "" {
		c.perms[name] = nil
		return nil
	}
	c.perms[name] = strings.Split(matches[3], ",")
	return nil
}

// Can reports whether the compiled scopes permit the permission, optionally
// constrained to a resource identifier. At most one identifier is honored.
func (c *Compiled) Can(permission string, resourceID ...string) bool {
	if c == nil {
		return false
	}
	if c.wildcard {
		return true
	}

	ids, ok := c.perms[permission]
	if !ok {
		return false
	}
	if len(resourceID) == 0 || resourceID[0] == "" {
		return ids == nil
	}
	for _, id := range ids {
		if id == AllIdentifier || id == resourceID[0] {
			return true
		}
	}
	return false
}

// Wildcard reports whether the universal scope was granted.
func (c *Compiled) Wildcard() bool {
	return c != nil && c.wildcard
}

// Permissions returns the compiled permission names, for diagnostics.
func (c *Compiled) Permissions() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.perms))
	for name := range c.perms {
		out = append(out, name)
	}
	return out
}
