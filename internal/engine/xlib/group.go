// Package xlib is the bundled library engine. A library group is a
// directory; every library is a subdirectory holding a sqlite database
// with its documents, indexing specification, full-text index and ACL.
// Queries are written in a small XQuery subset (see parse.go).
package xlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/fentz26/xqserver/internal/engine"
)

var libraryName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Opener opens xlib groups.
var Opener engine.Opener = engine.OpenerFunc(func(ctx context.Context, dir string) (engine.Group, error) {
	return Open(ctx, dir)
})

// Group is a directory of libraries.
type Group struct {
	dir string

	mu       sync.Mutex
	stores   map[string]*libStore
	sessions map[*Library]struct{}
	memLimit int64
	ft       engine.FullTextFactory
	modules  engine.ModuleResolver
	closed   bool

	cache *docCache
}

// Open opens (creating if needed) the group rooted at dir.
func Open(_ context.Context, dir string) (*Group, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, engine.Wrap(engine.CodeIO, err, "create library group")
	}
	g := &Group{
		dir:      dir,
		stores:   make(map[string]*libStore),
		sessions: make(map[*Library]struct{}),
		ft:       engine.WordTokenizer{},
	}
	g.cache = &docCache{group: g}
	return g, nil
}

// Dir returns the group directory.
func (g *Group) Dir() string { return g.dir }

func (g *Group) exists(name string) bool {
	_, err := os.Stat(filepath.Join(g.dir, name, dbFile))
	return err == nil
}

func (g *Group) ListLibraries(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, engine.Wrap(engine.CodeIO, err, "list libraries")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && libraryName.MatchString(e.Name()) && g.exists(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (g *Group) CreateLibrary(_ context.Context, name string) error {
	if !libraryName.MatchString(name) {
		return engine.Errorf(engine.CodeIO, "invalid library name %q", name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return engine.Errorf(engine.CodeClosed, "library group is closed")
	}
	if g.exists(name) {
		return engine.Errorf(engine.CodeLibraryExists, "library %q already exists", name)
	}
	s, err := openStore(filepath.Join(g.dir, name))
	if err != nil {
		return engine.Wrap(engine.CodeIO, err, "create library "+name)
	}
	s.setCacheSize(g.cache.CacheSize())
	g.stores[name] = s
	return nil
}

func (g *Group) DeleteLibrary(_ context.Context, name string) (bool, error) {
	if !libraryName.MatchString(name) {
		return false, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.exists(name) {
		return false, nil
	}
	for l := range g.sessions {
		if l.name == name {
			return false, engine.Errorf(engine.CodeIO, "library %q has open sessions", name)
		}
	}
	if s, ok := g.stores[name]; ok {
		s.close()
		delete(g.stores, name)
	}
	if err := os.RemoveAll(filepath.Join(g.dir, name)); err != nil {
		return false, engine.Wrap(engine.CodeIO, err, "delete library "+name)
	}
	return true, nil
}

// store returns the open store of a library. Callers hold g.mu.
func (g *Group) store(name string) (*libStore, error) {
	if s, ok := g.stores[name]; ok {
		return s, nil
	}
	if !libraryName.MatchString(name) || !g.exists(name) {
		return nil, engine.Errorf(engine.CodeNoSuchLibrary, "no such library: %s", name)
	}
	s, err := openStore(filepath.Join(g.dir, name))
	if err != nil {
		return nil, engine.Wrap(engine.CodeIO, err, "open library "+name)
	}
	s.setCacheSize(g.cache.CacheSize())
	g.stores[name] = s
	return s, nil
}

func (g *Group) OpenLibrary(_ context.Context, name string, ac engine.AccessControl, user engine.User) (engine.Library, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, engine.Errorf(engine.CodeClosed, "library group is closed")
	}
	s, err := g.store(name)
	if err != nil {
		return nil, err
	}
	l := newLibrary(g, name, s, ac, user)
	g.sessions[l] = struct{}{}
	return l, nil
}

func (g *Group) release(l *Library) {
	g.mu.Lock()
	delete(g.sessions, l)
	g.mu.Unlock()
}

// OpenSessions returns the number of sessions not yet closed.
func (g *Group) OpenSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Group) DocumentCache() engine.DocumentCache { return g.cache }

func (g *Group) SetMemoryLimit(bytes int64) {
	g.mu.Lock()
	g.memLimit = bytes
	g.mu.Unlock()
}

func (g *Group) MemoryLimit() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memLimit
}

func (g *Group) SetFullTextFactory(f engine.FullTextFactory) {
	g.mu.Lock()
	g.ft = f
	g.mu.Unlock()
}

func (g *Group) fullText() engine.FullTextFactory {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ft
}

func (g *Group) SetModuleResolver(r engine.ModuleResolver) {
	g.mu.Lock()
	g.modules = r
	g.mu.Unlock()
}

func (g *Group) moduleResolver() engine.ModuleResolver {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modules
}

// LoadACL returns the ACL rules stored in a library.
func (g *Group) LoadACL(ctx context.Context, library string) ([]engine.ACLRule, error) {
	g.mu.Lock()
	s, err := g.store(library)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.aclRules(ctx)
}

// AddACLRule appends a rule to the ACL of a library. Rules apply in
// insertion order.
func (g *Group) AddACLRule(ctx context.Context, library string, rule engine.ACLRule) error {
	g.mu.Lock()
	s, err := g.store(library)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if rule.Path == "" {
		rule.Path = "/"
	}
	if err := s.addACLRule(ctx, rule); err != nil {
		return engine.Wrap(engine.CodeIO, err, "write acl")
	}
	return nil
}

func (g *Group) CloseAll(ctx context.Context) (bool, error) {
	g.mu.Lock()
	sessions := make([]*Library, 0, len(g.sessions))
	for l := range g.sessions {
		sessions = append(sessions, l)
	}
	g.closed = true
	g.mu.Unlock()

	graceful := true
	for _, l := range sessions {
		if l.dirty() {
			graceful = false
			l.Rollback(ctx)
		}
		l.Close(ctx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for name, s := range g.stores {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close library %s: %w", name, err)
		}
		delete(g.stores, name)
	}
	return graceful, firstErr
}

// docCache keeps the cache budget and catalog settings of a group. The
// budget is applied as the page cache of every library database.
type docCache struct {
	group *Group

	mu       sync.Mutex
	size     int64
	catalogs engine.CatalogConfig
}

func (c *docCache) SetCacheSize(bytes int64) {
	c.mu.Lock()
	c.size = bytes
	c.mu.Unlock()

	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	for _, s := range c.group.stores {
		s.setCacheSize(bytes)
	}
}

func (c *docCache) CacheSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *docCache) SetCatalogs(cfg engine.CatalogConfig) {
	c.mu.Lock()
	c.catalogs = cfg
	c.mu.Unlock()
}

// Catalogs returns the catalog settings last applied.
func (c *docCache) Catalogs() engine.CatalogConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalogs
}
