package xlib

import (
	"context"
	"strings"
	"sync"

	"github.com/fentz26/xqserver/internal/engine"
)

const indexingKey = "indexing"

// Library is a session on one library. Documents put in a session stay
// staged until Commit.
type Library struct {
	g     *Group
	name  string
	store *libStore
	ac    engine.AccessControl
	user  engine.User

	mu       sync.Mutex
	prefixes map[string]string
	baseURI  string
	hosts    map[string]bool
	funcs    map[engine.QName]engine.HostFunction
	staged   map[string]string
	observer engine.ProgressObserver
	closed   bool
}

func newLibrary(g *Group, name string, s *libStore, ac engine.AccessControl, user engine.User) *Library {
	return &Library{
		g:        g,
		name:     name,
		store:    s,
		ac:       ac,
		user:     user,
		prefixes: make(map[string]string),
		hosts:    make(map[string]bool),
		funcs:    make(map[engine.QName]engine.HostFunction),
		staged:   make(map[string]string),
	}
}

func (l *Library) Name() string { return l.name }

// User returns the user the session acts for.
func (l *Library) User() engine.User { return l.user }

func (l *Library) DeclarePrefix(prefix, namespace string) {
	l.mu.Lock()
	l.prefixes[prefix] = namespace
	l.mu.Unlock()
}

func (l *Library) SetBaseURI(uri string) {
	l.mu.Lock()
	l.baseURI = uri
	l.mu.Unlock()
}

func (l *Library) EnableHostClass(class string) {
	l.mu.Lock()
	l.hosts[class] = true
	l.mu.Unlock()
}

func (l *Library) BindFunction(name engine.QName, fn engine.HostFunction) {
	l.mu.Lock()
	l.funcs[name] = fn
	l.mu.Unlock()
}

func (l *Library) SetProgressObserver(obs engine.ProgressObserver) {
	l.mu.Lock()
	l.observer = obs
	l.mu.Unlock()
}

func (l *Library) progress() engine.ProgressObserver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.observer == nil {
		return nopObserver{}
	}
	return l.observer
}

func (l *Library) checkOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return engine.Errorf(engine.CodeClosed, "session on %s is closed", l.name)
	}
	return nil
}

func (l *Library) check(perm engine.Permission, path string) error {
	if l.ac == nil {
		return nil
	}
	if err := l.ac.Check(l.user, perm, path); err != nil {
		if engine.HasCode(err, engine.CodeAccessDenied) {
			return err
		}
		return engine.Wrap(engine.CodeAccessDenied, err, string(perm)+" "+path)
	}
	return nil
}

func (l *Library) dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.staged) > 0
}

// tokenizer returns the function extracting full-text tokens from a
// document according to the stored indexing specification.
func (l *Library) tokenizer(ctx context.Context) (func(string) ([]string, error), error) {
	ft := l.g.fullText()
	if ft == nil {
		return func(string) ([]string, error) { return nil, nil }, nil
	}
	ix, err := l.indexing(ctx)
	if err != nil {
		return nil, err
	}
	names := ix.FullTextNames()
	return func(xml string) ([]string, error) {
		text, err := indexedText(xml, names)
		if err != nil {
			return nil, err
		}
		return ft.Tokenize(text), nil
	}, nil
}

func (l *Library) indexing(ctx context.Context) (*engine.Indexing, error) {
	src, err := l.store.setting(ctx, indexingKey)
	if err != nil {
		return nil, engine.Wrap(engine.CodeIO, err, "read indexing")
	}
	if src == "" {
		return &engine.Indexing{}, nil
	}
	return engine.ParseIndexing(strings.NewReader(src))
}

func (l *Library) SetIndexing(ctx context.Context, ix *engine.Indexing) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	if err := l.check(engine.PermWrite, "/"); err != nil {
		return err
	}
	data, err := ix.Marshal()
	if err != nil {
		return engine.Wrap(engine.CodeBadIndexing, err, "encode indexing")
	}
	return l.store.putSetting(ctx, indexingKey, string(data))
}

func (l *Library) ReIndex(ctx context.Context) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	if err := l.check(engine.PermWrite, "/"); err != nil {
		return err
	}
	tokens, err := l.tokenizer(ctx)
	if err != nil {
		return err
	}
	obs := l.progress()
	return l.store.reindex(ctx, tokens, obs.ReindexingProgress)
}

func (l *Library) Backup(ctx context.Context, dir string) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	if err := l.check(engine.PermRead, "/"); err != nil {
		return err
	}
	obs := l.progress()
	return l.store.backup(ctx, dir, obs.BackupProgress)
}

func (l *Library) PutDocument(ctx context.Context, path, xml string) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	path = normalizePath(path)
	if err := l.check(engine.PermWrite, path); err != nil {
		return err
	}
	if _, err := parseNode(xml); err != nil {
		return engine.Wrap(engine.CodeDynamic, err, "document "+path+" is not well-formed")
	}
	l.mu.Lock()
	l.staged[path] = xml
	l.mu.Unlock()
	l.progress().ImportProgress(float64(len(xml)))
	return nil
}

func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (l *Library) Commit(ctx context.Context) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	l.mu.Lock()
	staged := l.staged
	l.mu.Unlock()
	if len(staged) == 0 {
		return nil
	}
	tokens, err := l.tokenizer(ctx)
	if err != nil {
		return err
	}
	obs := l.progress()
	obs.CommitProgress(0)
	if err := l.store.commit(ctx, staged, tokens); err != nil {
		return err
	}
	l.mu.Lock()
	l.staged = make(map[string]string)
	l.mu.Unlock()
	obs.CommitProgress(1)
	return nil
}

func (l *Library) Rollback(context.Context) error {
	l.mu.Lock()
	l.staged = make(map[string]string)
	l.mu.Unlock()
	return nil
}

func (l *Library) Close(context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	if len(l.staged) > 0 {
		n := len(l.staged)
		l.mu.Unlock()
		return engine.Errorf(engine.CodeUncommitted, "session on %s has %d uncommitted documents", l.name, n)
	}
	l.closed = true
	l.mu.Unlock()
	l.g.release(l)
	return nil
}

// document returns a staged or stored document.
func (l *Library) document(ctx context.Context, path string) (string, bool, error) {
	path = normalizePath(path)
	if err := l.check(engine.PermRead, path); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	xml, ok := l.staged[path]
	l.mu.Unlock()
	if ok {
		return xml, true, nil
	}
	return l.store.document(ctx, path)
}

// collection returns the readable documents below prefix, staged ones
// overriding stored ones.
func (l *Library) collection(ctx context.Context, prefix string) ([]storedDoc, error) {
	prefix = normalizePath(prefix)
	stored, err := l.store.documents(ctx, prefix)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	merged := make(map[string]string, len(stored)+len(l.staged))
	for _, d := range stored {
		merged[d.path] = d.xml
	}
	for p, x := range l.staged {
		if strings.HasPrefix(p, prefix) {
			merged[p] = x
		}
	}
	l.mu.Unlock()

	docs := make([]storedDoc, 0, len(merged))
	for p, x := range merged {
		if l.check(engine.PermRead, p) != nil {
			continue
		}
		docs = append(docs, storedDoc{path: p, xml: x})
	}
	sortDocs(docs)
	return docs, nil
}

func (l *Library) Compile(ctx context.Context, src string) (engine.Expression, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	expr, err := compile(ctx, l, src)
	if err != nil {
		return nil, err
	}
	return expr, nil
}

type nopObserver struct{}

func (nopObserver) BackupProgress(float64)       {}
func (nopObserver) ReindexingProgress(float64)   {}
func (nopObserver) OptimizationProgress(float64) {}
func (nopObserver) ImportProgress(float64)       {}
func (nopObserver) CommitProgress(float64)       {}
