// Package auth identifies the caller of an HTTP request. Authentication
// itself is delegated: either a fronting proxy passes the user in headers
// or HTTP Basic credentials are checked against a users file.
package auth

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/fentz26/xqserver/internal/engine"
)

// Authentication modes.
const (
	ModeNone   = "none"
	ModeHeader = "header"
	ModeBasic  = "basic"
)

// Default proxy headers.
const (
	DefaultUserHeader  = "X-Remote-User"
	DefaultRolesHeader = "X-Remote-Roles"
)

// ErrBadCredentials is returned when presented credentials do not match.
var ErrBadCredentials = errors.New("invalid credentials")

// Principal is an authenticated caller.
type Principal struct {
	name  string
	roles map[string]bool
}

// NewPrincipal creates a principal holding the given roles.
func NewPrincipal(name string, roles ...string) *Principal {
	p := &Principal{name: name, roles: make(map[string]bool, len(roles))}
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			p.roles[r] = true
		}
	}
	return p
}

func (p *Principal) Name() string { return p.name }

func (p *Principal) InRole(role string) bool { return p.roles[role] }

// Authenticator extracts the principal of a request. It returns a nil
// principal and no error for anonymous requests.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// Anonymous treats every request as anonymous.
type Anonymous struct{}

func (Anonymous) Authenticate(*http.Request) (*Principal, error) { return nil, nil }

// Header trusts the user and roles set by a fronting proxy.
type Header struct {
	UserHeader  string
	RolesHeader string
}

func (h Header) Authenticate(r *http.Request) (*Principal, error) {
	userHeader, rolesHeader := h.UserHeader, h.RolesHeader
	if userHeader == "" {
		userHeader = DefaultUserHeader
	}
	if rolesHeader == "" {
		rolesHeader = DefaultRolesHeader
	}
	name := strings.TrimSpace(r.Header.Get(userHeader))
	if name == "" {
		return nil, nil
	}
	return NewPrincipal(name, strings.Split(r.Header.Get(rolesHeader), ",")...), nil
}

type account struct {
	hash  []byte
	roles []string
}

// dummyHash is compared against when the user is unknown, so that unknown
// and known users take the same time to reject.
var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("xqserver"), bcrypt.DefaultCost)
	return hash
})

// HashPassword returns the bcrypt hash to store in a users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}

// Basic checks HTTP Basic credentials against a users file.
type Basic struct {
	Realm    string
	accounts map[string]account
}

// LoadUsersFile reads a users file. Each non-blank, non-comment line is
// "user:hash:role1,role2" where hash is a bcrypt hash ($2a$, $2b$ or $2y$)
// as produced by HashPassword. Plain and sha256 passwords are refused.
func LoadUsersFile(path string) (*Basic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open users file")
	}
	defer f.Close()

	b := &Basic{Realm: "xqserver", accounts: make(map[string]account)}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			return nil, errors.Errorf("%s:%d: expected user:hash[:roles]", path, line)
		}
		if _, err := bcrypt.Cost([]byte(parts[1])); err != nil {
			return nil, errors.Errorf("%s:%d: password of %s is not a bcrypt hash", path, line, parts[0])
		}
		acc := account{hash: []byte(parts[1])}
		if len(parts) == 3 {
			acc.roles = strings.Split(parts[2], ",")
		}
		b.accounts[parts[0]] = acc
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read users file")
	}
	return b, nil
}

func (b *Basic) Authenticate(r *http.Request) (*Principal, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}
	acc, found := b.accounts[user]
	if !found {
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(pass))
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(pass)); err != nil {
		return nil, ErrBadCredentials
	}
	return NewPrincipal(user, acc.roles...), nil
}

// New returns the authenticator for a mode. Basic mode needs usersFile.
func New(mode, usersFile string) (Authenticator, error) {
	switch mode {
	case "", ModeNone:
		return Anonymous{}, nil
	case ModeHeader:
		return Header{}, nil
	case ModeBasic:
		if usersFile == "" {
			return nil, errors.New("basic authentication needs a users file")
		}
		return LoadUsersFile(usersFile)
	}
	return nil, errors.Errorf("unknown authentication mode %q", mode)
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal of the request, nil when anonymous.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}

// User returns the principal as an engine user, or a nil interface for
// anonymous callers.
func User(ctx context.Context) engine.User {
	if p := FromContext(ctx); p != nil {
		return p
	}
	return nil
}
