// Package engine defines the capability surface the server needs from an
// XML library engine: library groups, library sessions, compiled
// expressions, item sequences and progress reporting.
//
// The server never depends on a concrete engine. Implementations (see
// package xlib for the bundled one) are selected by an Opener at start.
package engine

import (
	"context"
	"time"
)

// Well-known namespaces.
const (
	XSNamespace     = "http://www.w3.org/2001/XMLSchema"
	FnNamespace     = "http://www.w3.org/2005/xpath-functions"
	LocalNamespace  = "http://www.w3.org/2005/xquery-local-functions"
	OutputNamespace = "http://www.w3.org/2010/xslt-xquery-serialization"
	// HostNamespacePrefix starts the namespace URI of host classes, e.g.
	// "java:java.lang.Math".
	HostNamespacePrefix = "java:"
)

// QName is a namespace-qualified name.
type QName struct {
	Space string
	Local string
}

// String renders the name in Clark notation when it has a namespace.
func (q QName) String() string {
	if q.Space == "" {
		return q.Local
	}
	return "{" + q.Space + "}" + q.Local
}

// User is the identity a library session acts for. Role checks are
// forwarded to whatever authenticated the caller.
type User interface {
	Name() string
	InRole(role string) bool
}

// Permission is checked by an AccessControl before the engine reads or
// mutates library content.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
)

// AccessControl decides whether a user may perform an operation on a path
// of a library. A nil AccessControl allows everything.
type AccessControl interface {
	Check(user User, perm Permission, path string) error
}

// ProgressObserver receives progress notifications from long library
// operations. Fractions are in [0,1].
type ProgressObserver interface {
	BackupProgress(fraction float64)
	ReindexingProgress(fraction float64)
	OptimizationProgress(fraction float64)
	ImportProgress(size float64)
	CommitProgress(fraction float64)
}

// FullTextFactory splits text into the tokens stored by the full-text
// index.
type FullTextFactory interface {
	Name() string
	Tokenize(text string) []string
}

// ModuleResolver locates the source of an imported XQuery module.
type ModuleResolver interface {
	ResolveModule(namespace string, hints []string) (source, systemID string, err error)
}

// CatalogConfig configures XML catalog resolution for parsed documents.
type CatalogConfig struct {
	Files        []string
	PreferPublic bool
	Verbosity    int
}

// DocumentCache holds transient parsed documents shared by a group.
type DocumentCache interface {
	SetCacheSize(bytes int64)
	CacheSize() int64
	SetCatalogs(cfg CatalogConfig)
}

// Opener opens a library group rooted at a directory.
type Opener interface {
	OpenGroup(ctx context.Context, dir string) (Group, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, dir string) (Group, error)

// OpenGroup calls f.
func (f OpenerFunc) OpenGroup(ctx context.Context, dir string) (Group, error) {
	return f(ctx, dir)
}

// Group is a set of libraries sharing a directory, a heap and a document
// cache.
type Group interface {
	ListLibraries(ctx context.Context) ([]string, error)
	CreateLibrary(ctx context.Context, name string) error
	// DeleteLibrary reports false when no library of that name exists.
	DeleteLibrary(ctx context.Context, name string) (bool, error)
	// OpenLibrary returns an error with code CodeNoSuchLibrary when the
	// library does not exist.
	OpenLibrary(ctx context.Context, name string, ac AccessControl, user User) (Library, error)
	DocumentCache() DocumentCache
	SetMemoryLimit(bytes int64)
	MemoryLimit() int64
	SetFullTextFactory(f FullTextFactory)
	SetModuleResolver(r ModuleResolver)
	// CloseAll closes every library, rolling back open sessions. It
	// reports whether all sessions closed without rollback.
	CloseAll(ctx context.Context) (graceful bool, err error)
}

// ACLStore is implemented by groups able to hand out the access-control
// rules stored inside a library.
type ACLStore interface {
	LoadACL(ctx context.Context, library string) ([]ACLRule, error)
}

// ACLRule grants or denies a permission on a path prefix to a user or role.
type ACLRule struct {
	Principal  string
	Permission Permission
	Path       string
	Allow      bool
}

// HostFunction is a function callable from queries. The evaluation context
// carries whatever the caller bound to it.
type HostFunction func(ctx context.Context, args [][]Item) ([]Item, error)

// Library is a session on one library. It is not safe for concurrent use.
type Library interface {
	Name() string
	DeclarePrefix(prefix, namespace string)
	SetBaseURI(uri string)
	// EnableHostClass makes the functions of a registered host class
	// callable through the "java:<class>" namespace.
	EnableHostClass(class string)
	BindFunction(name QName, fn HostFunction)
	Compile(ctx context.Context, query string) (Expression, error)
	SetIndexing(ctx context.Context, ix *Indexing) error
	ReIndex(ctx context.Context) error
	Backup(ctx context.Context, dir string) error
	SetProgressObserver(obs ProgressObserver)
	PutDocument(ctx context.Context, path, xml string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Close fails with CodeUncommitted when the session holds changes.
	Close(ctx context.Context) error
}

// VarDecl describes a global variable declared by a query prolog.
type VarDecl struct {
	Name     QName
	Type     ItemType
	External bool
}

// Option is a "declare option" of a query prolog.
type Option struct {
	Name  QName
	Value string
}

// Expression is a compiled query.
type Expression interface {
	Variables() []VarDecl
	Options() []Option
	BindVariable(name QName, value string, typ ItemType) error
	SetTimeout(d time.Duration)
	Evaluate(ctx context.Context) (Sequence, error)
}
