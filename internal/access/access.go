// Package access holds the admin gate and the access controls applied to
// library sessions.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fentz26/xqserver/internal/engine"
)

// Admin decides who may run privileged commands. With neither a role nor
// a user list configured there is no restriction.
type Admin struct {
	role  string
	users map[string]bool
}

// NewAdmin builds the gate. A nil users slice means no explicit list.
func NewAdmin(role string, users []string) Admin {
	a := Admin{role: strings.TrimSpace(role)}
	if users != nil {
		a.users = make(map[string]bool, len(users))
		for _, u := range users {
			a.users[u] = true
		}
	}
	return a
}

// Role returns the admin role name, possibly empty.
func (a Admin) Role() string { return a.role }

// Restricted reports whether any admin restriction is configured.
func (a Admin) Restricted() bool { return a.role != "" || a.users != nil }

// IsAdmin reports whether user passes the gate: it is in the explicit
// user list or holds the admin role.
func (a Admin) IsAdmin(user engine.User) bool {
	if !a.Restricted() {
		return true
	}
	if user == nil || user.Name() == "" {
		return false
	}
	if a.users[user.Name()] {
		return true
	}
	return a.role != "" && user.InRole(a.role)
}

// Connector is implemented by access controls whose rules live inside the
// library they protect.
type Connector interface {
	ConnectTo(ctx context.Context, store engine.ACLStore, library string) error
}

// BuildPolicies instantiates one access control per library from the
// registry entry name. It returns nil when name is empty. A library whose
// rules cannot be loaded is logged and left with the unconnected control.
func BuildPolicies(ctx context.Context, name string, group engine.Group, libraries []string, logger *slog.Logger) (map[string]engine.AccessControl, error) {
	if name == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	store, _ := group.(engine.ACLStore)
	policies := make(map[string]engine.AccessControl, len(libraries))
	for _, lib := range libraries {
		ac, err := engine.AccessControls.New(name)
		if err != nil {
			return nil, fmt.Errorf("access control %q: %w", name, err)
		}
		if c, ok := ac.(Connector); ok {
			if store == nil {
				logger.Warn("access.no_acl_store", "library", lib, "access_control", name)
			} else if err := c.ConnectTo(ctx, store, lib); err != nil {
				logger.Error("access.connect_failed", "library", lib, "error", err)
			}
		}
		policies[lib] = ac
	}
	return policies, nil
}

// AllowAll grants every permission.
type AllowAll struct{}

func (AllowAll) Check(engine.User, engine.Permission, string) error { return nil }

// ACL checks permissions against rules loaded from a library. Rules are
// tried in order and the first one matching user, permission and path
// decides. Without any rule everything is allowed; with rules, an
// unmatched request is denied.
//
// A rule principal is a user name, "role:<name>" or "*".
type ACL struct {
	mu    sync.RWMutex
	rules []engine.ACLRule
}

// ConnectTo loads the rules of library.
func (a *ACL) ConnectTo(ctx context.Context, store engine.ACLStore, library string) error {
	rules, err := store.LoadACL(ctx, library)
	if err != nil {
		return err
	}
	a.SetRules(rules)
	return nil
}

// SetRules replaces the rule list.
func (a *ACL) SetRules(rules []engine.ACLRule) {
	a.mu.Lock()
	a.rules = append([]engine.ACLRule(nil), rules...)
	a.mu.Unlock()
}

func (a *ACL) Check(user engine.User, perm engine.Permission, path string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.rules) == 0 {
		return nil
	}
	for _, r := range a.rules {
		if r.Permission != perm && r.Permission != "*" {
			continue
		}
		if !pathMatches(r.Path, path) || !principalMatches(r.Principal, user) {
			continue
		}
		if r.Allow {
			return nil
		}
		break
	}
	name := "anonymous"
	if user != nil && user.Name() != "" {
		name = user.Name()
	}
	return engine.Errorf(engine.CodeAccessDenied, "%s: %s permission denied on %s", name, perm, path)
}

func pathMatches(prefix, path string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func principalMatches(principal string, user engine.User) bool {
	if principal == "*" {
		return true
	}
	if user == nil {
		return false
	}
	if role, ok := strings.CutPrefix(principal, "role:"); ok {
		return user.InRole(role)
	}
	return principal == user.Name()
}

func init() {
	engine.AccessControls.Register("acl", func() (engine.AccessControl, error) {
		return &ACL{}, nil
	}, "com.qizx.server.util.accesscontrol.ACLAccessControl")
	engine.AccessControls.Register("allow-all", func() (engine.AccessControl, error) {
		return AllowAll{}, nil
	})
}
