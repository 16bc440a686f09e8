package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func bcryptHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/eval", nil)
	p, err := Header{}.Authenticate(r)
	require.NoError(t, err)
	assert.Nil(t, p)

	r.Header.Set("X-Remote-User", "alice")
	r.Header.Set("X-Remote-Roles", "admin, editor")
	p, err = Header{}.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name())
	assert.True(t, p.InRole("admin"))
	assert.True(t, p.InRole("editor"))
	assert.False(t, p.InRole("root"))
}

func TestBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	content := "# users\nalice:" + bcryptHash(t, "pw") + ":admin\n\nbob:" + bcryptHash(t, "s3cret") +
		"\ncarol:" + strings.Replace(bcryptHash(t, "pw2"), "$2a$", "$2y$", 1) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	a, err := New(ModeBasic, path)
	require.NoError(t, err)

	tests := []struct {
		user, pass string
		wantErr    bool
		admin      bool
	}{
		{"alice", "pw", false, true},
		{"bob", "s3cret", false, false},
		{"carol", "pw2", false, false},
		{"alice", "wrong", true, false},
		{"bob", "", true, false},
		{"mallory", "pw", true, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("POST", "/api/mklib", nil)
		r.SetBasicAuth(tt.user, tt.pass)
		p, err := a.Authenticate(r)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrBadCredentials, tt.user)
			continue
		}
		require.NoError(t, err, tt.user)
		assert.Equal(t, tt.user, p.Name())
		assert.Equal(t, tt.admin, p.InRole("admin"))
	}

	p, err := a.Authenticate(httptest.NewRequest("GET", "/", nil))
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestUsersFileRefusesUnhashedPasswords(t *testing.T) {
	sum := sha256.Sum256([]byte("s3cret"))
	for name, line := range map[string]string{
		"plain":  "alice:secret:admin",
		"sha256": "bob:sha256:" + hex.EncodeToString(sum[:]),
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "users")
			require.NoError(t, os.WriteFile(path, []byte("# users\n"+line+"\n"), 0600))
			_, err := LoadUsersFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), ":2: password of")
			assert.Contains(t, err.Error(), "not a bcrypt hash")
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$"), hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	path := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(path, []byte("dave:"+hash+":admin\n"), 0600))
	b, err := LoadUsersFile(path)
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/", nil)
	r.SetBasicAuth("dave", "s3cret")
	p, err := b.Authenticate(r)
	require.NoError(t, err)
	assert.True(t, p.InRole("admin"))
}

func TestNew(t *testing.T) {
	a, err := New("", "")
	require.NoError(t, err)
	assert.IsType(t, Anonymous{}, a)

	_, err = New(ModeBasic, "")
	assert.Error(t, err)
	_, err = New("kerberos", "")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(bad, []byte("nocolon\n"), 0600))
	_, err = LoadUsersFile(bad)
	assert.Error(t, err)
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Nil(t, User(ctx))

	ctx = WithPrincipal(ctx, NewPrincipal("alice"))
	require.NotNil(t, User(ctx))
	assert.Equal(t, "alice", User(ctx).Name())
}
