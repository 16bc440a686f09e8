package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/xqserver/internal/engine"
)

type testUser struct {
	name  string
	roles []string
}

func (u testUser) Name() string { return u.name }
func (u testUser) InRole(role string) bool {
	for _, r := range u.roles {
		if r == role {
			return true
		}
	}
	return false
}

func TestAdminUnrestricted(t *testing.T) {
	a := NewAdmin("", nil)
	assert.False(t, a.Restricted())
	assert.True(t, a.IsAdmin(nil))
	assert.True(t, a.IsAdmin(testUser{name: "anyone"}))
}

func TestAdminRoleOrUser(t *testing.T) {
	a := NewAdmin("admin", []string{"alice", "bob"})

	tests := []struct {
		name string
		user engine.User
		want bool
	}{
		{"listed user", testUser{name: "alice"}, true},
		{"role holder", testUser{name: "zed", roles: []string{"admin"}}, true},
		{"listed and role", testUser{name: "bob", roles: []string{"admin"}}, true},
		{"neither", testUser{name: "eve", roles: []string{"staff"}}, false},
		{"anonymous", nil, false},
		{"empty name", testUser{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.IsAdmin(tt.user))
		})
	}
}

func TestAdminUsersOnly(t *testing.T) {
	a := NewAdmin("", []string{"alice"})
	assert.True(t, a.Restricted())
	assert.True(t, a.IsAdmin(testUser{name: "alice"}))
	assert.False(t, a.IsAdmin(testUser{name: "bob", roles: []string{"admin"}}))
}

func TestAdminRoleOnly(t *testing.T) {
	a := NewAdmin("ops", nil)
	assert.Equal(t, "ops", a.Role())
	assert.True(t, a.IsAdmin(testUser{name: "x", roles: []string{"ops"}}))
	assert.False(t, a.IsAdmin(testUser{name: "x"}))
}

func TestACL(t *testing.T) {
	acl := &ACL{}
	alice := testUser{name: "alice"}
	editor := testUser{name: "ed", roles: []string{"editor"}}

	assert.NoError(t, acl.Check(alice, engine.PermWrite, "/x"), "no rules allows everything")

	acl.SetRules([]engine.ACLRule{
		{Principal: "alice", Permission: engine.PermWrite, Path: "/private", Allow: false},
		{Principal: "role:editor", Permission: engine.PermWrite, Path: "/", Allow: true},
		{Principal: "*", Permission: engine.PermRead, Path: "/", Allow: true},
	})

	assert.NoError(t, acl.Check(alice, engine.PermRead, "/private/a.xml"))
	err := acl.Check(alice, engine.PermWrite, "/private/a.xml")
	assert.True(t, engine.HasCode(err, engine.CodeAccessDenied))
	assert.Error(t, acl.Check(alice, engine.PermWrite, "/public/a.xml"))
	assert.NoError(t, acl.Check(editor, engine.PermWrite, "/public/a.xml"))
	assert.NoError(t, acl.Check(nil, engine.PermRead, "/a.xml"))
	assert.Error(t, acl.Check(nil, engine.PermWrite, "/a.xml"))

	// "/privateer" is not below "/private"
	acl.SetRules([]engine.ACLRule{{Principal: "*", Permission: engine.PermRead, Path: "/private", Allow: true}})
	assert.Error(t, acl.Check(alice, engine.PermRead, "/privateer"))
	assert.NoError(t, acl.Check(alice, engine.PermRead, "/private"))
}

type fakeGroup struct {
	engine.Group
	rules map[string][]engine.ACLRule
	fail  string
}

func (g fakeGroup) LoadACL(_ context.Context, lib string) ([]engine.ACLRule, error) {
	if lib == g.fail {
		return nil, errors.New("broken")
	}
	return g.rules[lib], nil
}

func TestBuildPolicies(t *testing.T) {
	ctx := context.Background()

	none, err := BuildPolicies(ctx, "", fakeGroup{}, []string{"a"}, nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	g := fakeGroup{
		rules: map[string][]engine.ACLRule{
			"a": {{Principal: "*", Permission: engine.PermRead, Allow: false}},
		},
		fail: "b",
	}
	policies, err := BuildPolicies(ctx, "com.qizx.server.util.accesscontrol.ACLAccessControl", g, []string{"a", "b"}, nil)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Error(t, policies["a"].Check(testUser{name: "x"}, engine.PermRead, "/d"))
	assert.NoError(t, policies["b"].Check(testUser{name: "x"}, engine.PermRead, "/d"))
	assert.NotSame(t, policies["a"], policies["b"])

	allow, err := BuildPolicies(ctx, "allow-all", g, []string{"a"}, nil)
	require.NoError(t, err)
	assert.NoError(t, allow["a"].Check(nil, engine.PermWrite, "/"))

	_, err = BuildPolicies(ctx, "com.example.Missing", g, []string{"a"}, nil)
	assert.Error(t, err)
}
