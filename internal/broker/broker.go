// Package broker mediates between HTTP requests and the library engine.
// It owns the engine lifecycle, hands out library sessions and runs long
// administrative actions.
package broker

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/fentz26/xqserver/internal/access"
	"github.com/fentz26/xqserver/internal/config"
	"github.com/fentz26/xqserver/internal/engine"
)

const mib = 1048576

// Sessions acquires and releases library sessions for requests. A pooled
// implementation can replace the Broker here without handler changes.
type Sessions interface {
	Acquire(ctx context.Context, library string, user engine.User) (engine.Library, error)
	Release(ctx context.Context, lib engine.Library)
}

// Hooks observe broker activity. Nil fields are skipped.
type Hooks struct {
	SessionOpened func(library string)
	SessionClosed func(library string)
	ActionStarted func(ActionInfo)
	ActionEnded   func(ActionInfo)
}

// Options configure a Broker.
type Options struct {
	// Root is the server root holding the configuration file.
	Root   string
	Opener engine.Opener
	Logger *slog.Logger
	Hooks  Hooks
	// Config, when set, is used instead of loading Root's file on the
	// first start.
	Config *config.Config
}

// Broker owns the engine for one server root.
type Broker struct {
	root   string
	opener engine.Opener
	logger *slog.Logger
	hooks  Hooks

	mu              sync.Mutex
	cfg             *config.Config
	groupDir        string
	group           engine.Group
	acName          string
	policies        map[string]engine.AccessControl
	admin           access.Admin
	allowedClasses  []string
	evalTimeout     time.Duration
	servicesRoot    string
	servicesLibrary string
	postLimit       int64

	// libGen counts invalidations of libNames; guarded by mu.
	libGen   uint64
	libNames atomic.Pointer[[]string]
	actions  *actionRegistry
}

// New creates a stopped broker.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		root:   opts.Root,
		opener: opts.Opener,
		logger: logger,
		hooks:  opts.Hooks,
		cfg:    opts.Config,
	}
	b.actions = newActionRegistry(b)
	if b.cfg != nil {
		b.applyConfig(b.cfg)
	}
	return b
}

// LoadConfig (re)reads the configuration file. It fails with
// ErrNoLibraryGroup when library_group is missing, in which case the
// broker cannot start.
func (b *Broker) LoadConfig() error {
	cfg, err := config.Load(b.root, b.logger)
	if err != nil {
		return WrapKind(KindServer, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	return b.applyConfig(cfg)
}

// applyConfig reads the settings needed before start. Callers hold b.mu
// or own b exclusively.
func (b *Broker) applyConfig(cfg *config.Config) error {
	b.admin = access.NewAdmin(cfg.String(config.AdminRole, ""), cfg.List(config.AdminUser))
	b.postLimit = 0
	if cfg.IsSet(config.PostLimit) {
		limit := cfg.Int(config.PostLimit, -1)
		if limit < 1 {
			limit = 1
		}
		b.postLimit = limit * mib
	}
	dir, ok := cfg.File(config.LibraryGroup)
	if !ok {
		b.groupDir = ""
		b.logger.Warn("broker.config", "error", ErrNoLibraryGroup)
		return WrapKind(KindServer, ErrNoLibraryGroup)
	}
	b.groupDir = dir
	return nil
}

// Config returns the configuration in effect.
func (b *Broker) Config() *config.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Start opens the engine. Failures of optional subsystems (access
// control, full-text factory, module directory) are logged and do not
// prevent the start.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(ctx)
}

func (b *Broker) startLocked(ctx context.Context) error {
	if b.group != nil {
		return nil
	}
	if b.cfg == nil {
		return WrapKind(KindServer, errors.New("configuration not loaded"))
	}
	if b.groupDir == "" {
		return WrapKind(KindServer, ErrNoLibraryGroup)
	}
	cfg := b.cfg

	b.logger.Info("broker.start", "library_group", b.groupDir)
	group, err := b.opener.OpenGroup(ctx, b.groupDir)
	if err != nil {
		return WrapKind(KindServer, errors.Wrapf(err, "open library group %s", b.groupDir))
	}

	b.acName = cfg.String(config.AccessControl, "")
	b.policies = nil
	if b.acName != "" {
		names, err := group.ListLibraries(ctx)
		if err == nil {
			b.policies, err = access.BuildPolicies(ctx, b.acName, group, names, b.logger)
		}
		if err != nil {
			b.logger.Error("broker.access_control", "access_control", b.acName, "error", err)
			b.policies = nil
		} else {
			b.logger.Info("broker.access_control", "access_control", b.acName, "libraries", len(b.policies))
		}
	}

	if name := cfg.String(config.FullTextFactory, ""); name != "" {
		ft, err := engine.FullTextFactories.New(name)
		if err != nil {
			b.logger.Error("broker.fulltext_factory", "fulltext_factory", name, "error", err)
		} else {
			b.logger.Info("broker.fulltext_factory", "fulltext_factory", ft.Name())
			group.SetFullTextFactory(ft)
		}
	}

	cache := group.DocumentCache()
	cache.SetCatalogs(engine.CatalogConfig{
		Files:        cfg.List(config.Catalogs),
		PreferPublic: strings.EqualFold(cfg.String(config.CatalogsPrefer, ""), "public"),
		Verbosity:    int(cfg.Int(config.CatalogsVerbosity, 0)),
	})

	if limit := LibraryMemoryLimit(cfg.Int(config.LibraryMemory, -1)); limit > 0 {
		group.SetMemoryLimit(limit)
		b.logger.Info("broker.memory_limit", "limit", humanize.IBytes(uint64(limit)))
	}
	if cfg.IsSet(config.DocPoolMemory) {
		limit := DocPoolLimit(cfg.Int(config.DocPoolMemory, -1))
		cache.SetCacheSize(limit)
		b.logger.Info("broker.doc_pool", "limit", humanize.IBytes(uint64(limit)))
	}

	b.allowedClasses = cfg.List(config.AllowedJavaClasses)

	b.evalTimeout = 0
	if ms := cfg.Int(config.EvalTimeOut, -1); ms > 0 {
		b.evalTimeout = time.Duration(ms) * time.Millisecond
	}

	if dir, ok := cfg.File(config.ModuleDir); ok {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			b.logger.Error("broker.module_dir", "dir", dir, "error", "not a directory")
		} else {
			group.SetModuleResolver(engine.DirModuleResolver{Root: dir})
		}
	}

	b.servicesRoot, _ = cfg.File(config.ServicesDir)
	b.servicesLibrary = cfg.String(config.ServicesLibrary, "")

	b.group = group
	b.invalidateLocked()
	b.logger.Info("broker.started", "server_name", cfg.String(config.ServerName, ""))
	return nil
}

// Stop closes every library, rolling back open sessions.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked(ctx)
}

func (b *Broker) stopLocked(ctx context.Context) error {
	if b.group == nil {
		return nil
	}
	b.logger.Info("broker.stop")
	graceful, err := b.group.CloseAll(ctx)
	b.group = nil
	b.policies = nil
	b.invalidateLocked()
	if err != nil {
		b.logger.Error("broker.stop", "error", err)
		return WrapKind(KindServer, err)
	}
	if graceful {
		b.logger.Info("broker.stopped", "mode", "graceful")
	} else {
		b.logger.Warn("broker.stopped", "mode", "with rollbacks")
	}
	return nil
}

// Reload stops the engine, rereads the configuration and starts again,
// holding the broker lock throughout: concurrent reloads run one after the
// other and callers never observe the engine between stop and start.
// When the configuration cannot be used the broker stays stopped.
func (b *Broker) Reload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.stopLocked(ctx); err != nil {
		return err
	}
	cfg, err := config.Load(b.root, b.logger)
	if err != nil {
		err = WrapKind(KindServer, err)
		b.logger.Error("broker.reload", "error", err)
		return err
	}
	b.cfg = cfg
	if err := b.applyConfig(cfg); err != nil {
		b.logger.Error("broker.reload", "error", err)
		return err
	}
	if err := b.startLocked(ctx); err != nil {
		b.logger.Error("broker.reload", "error", err)
		return err
	}
	b.logger.Info("broker.reloaded")
	return nil
}

// Running reports whether the engine is open.
func (b *Broker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.group != nil
}

// RequireEngine returns the open group or a SERVER error.
func (b *Broker) RequireEngine() (engine.Group, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group == nil {
		return nil, WrapKind(KindServer, ErrOffline)
	}
	return b.group, nil
}

// ServerName returns the configured display name.
func (b *Broker) ServerName() string {
	cfg := b.Config()
	if cfg == nil {
		return ""
	}
	return cfg.String(config.ServerName, "")
}

// Admin returns the admin gate.
func (b *Broker) Admin() access.Admin {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admin
}

// CheckAdmin fails with UNAUTHORIZED unless user passes the admin gate.
func (b *Broker) CheckAdmin(user engine.User) error {
	if b.Admin().IsAdmin(user) {
		return nil
	}
	return WrapKind(KindUnauthorized, ErrAdminRequired)
}

// EvalTimeout is the configured default query timeout, zero for none.
func (b *Broker) EvalTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evalTimeout
}

// PostLimit is the multipart upload cap in bytes, zero for none.
func (b *Broker) PostLimit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.postLimit
}

// ServicesRoot returns the stored-query directory, empty when unset.
func (b *Broker) ServicesRoot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.servicesRoot
}

// ServicesLibrary returns the library used by stored queries.
func (b *Broker) ServicesLibrary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.servicesLibrary
}

// LibraryNames returns the library list, cached until Invalidate. A list
// read while an invalidation happens is returned but not cached.
func (b *Broker) LibraryNames(ctx context.Context) ([]string, error) {
	if p := b.libNames.Load(); p != nil {
		return *p, nil
	}
	b.mu.Lock()
	group, gen := b.group, b.libGen
	b.mu.Unlock()
	if group == nil {
		return nil, WrapKind(KindServer, ErrOffline)
	}
	names, err := group.ListLibraries(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	b.mu.Lock()
	if b.libGen == gen {
		b.libNames.Store(&names)
	}
	b.mu.Unlock()
	return names, nil
}

// Invalidate drops the cached library list.
func (b *Broker) Invalidate() {
	b.mu.Lock()
	b.invalidateLocked()
	b.mu.Unlock()
}

func (b *Broker) invalidateLocked() {
	b.libGen++
	b.libNames.Store(nil)
}

// singleLibrary returns the only library, or "" unless there is exactly
// one.
func (b *Broker) singleLibrary(ctx context.Context) string {
	names, err := b.LibraryNames(ctx)
	if err != nil {
		b.logger.Error("broker.list_libraries", "error", err)
		return ""
	}
	if len(names) == 1 {
		return names[0]
	}
	return ""
}

// CreateLibrary creates a library and gives it an access control when
// one is configured.
func (b *Broker) CreateLibrary(ctx context.Context, name string) error {
	group, err := b.RequireEngine()
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return Errorf(KindBadRequest, "missing parameter 'name'")
	}
	if err := group.CreateLibrary(ctx, name); err != nil {
		return Classify(err)
	}
	b.mu.Lock()
	if b.acName != "" {
		policies, err := access.BuildPolicies(ctx, b.acName, group, []string{name}, b.logger)
		if err != nil {
			b.logger.Error("broker.access_control", "library", name, "error", err)
		} else {
			if b.policies == nil {
				b.policies = make(map[string]engine.AccessControl)
			}
			b.policies[name] = policies[name]
		}
	}
	b.invalidateLocked()
	b.mu.Unlock()
	b.logger.Info("broker.library_created", "library", name)
	return nil
}

// DeleteLibrary deletes a library. It reports false when none existed.
func (b *Broker) DeleteLibrary(ctx context.Context, name string) (bool, error) {
	group, err := b.RequireEngine()
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(name) == "" {
		return false, Errorf(KindBadRequest, "missing parameter 'name'")
	}
	deleted, err := group.DeleteLibrary(ctx, name)
	if err != nil {
		return false, Classify(err)
	}
	b.mu.Lock()
	delete(b.policies, name)
	b.invalidateLocked()
	b.mu.Unlock()
	if deleted {
		b.logger.Info("broker.library_deleted", "library", name)
	}
	return deleted, nil
}

// Acquire opens a session on library for user. An empty name selects the
// only library when there is exactly one.
func (b *Broker) Acquire(ctx context.Context, library string, user engine.User) (engine.Library, error) {
	group, err := b.RequireEngine()
	if err != nil {
		return nil, err
	}
	if library == "" {
		library = b.singleLibrary(ctx)
		if library == "" {
			return nil, WrapKind(KindBadRequest, ErrUnspecifiedLib)
		}
	}

	b.mu.Lock()
	ac := b.policies[library]
	classes := b.allowedClasses
	b.mu.Unlock()

	lib, err := group.OpenLibrary(ctx, library, ac, user)
	if err != nil {
		if engine.HasCode(err, engine.CodeNoSuchLibrary) {
			return nil, Errorf(KindBadRequest, "no XML Library named '%s'", library)
		}
		return nil, Classify(err)
	}
	for _, cl := range classes {
		lib.EnableHostClass(cl)
	}
	b.sessionOpened(library)
	return lib, nil
}

// openSession opens an unrestricted session for internal work. It must be
// given back through Release like any acquired session.
func (b *Broker) openSession(ctx context.Context, group engine.Group, library string) (engine.Library, error) {
	lib, err := group.OpenLibrary(ctx, library, nil, nil)
	if err != nil {
		return nil, err
	}
	b.sessionOpened(library)
	return lib, nil
}

func (b *Broker) sessionOpened(library string) {
	if b.hooks.SessionOpened != nil {
		b.hooks.SessionOpened(library)
	}
}

// Release closes a session. When the close is refused because of
// uncommitted changes the session is rolled back and closed again;
// errors on that path are logged.
func (b *Broker) Release(ctx context.Context, lib engine.Library) {
	if lib == nil {
		return
	}
	if b.hooks.SessionClosed != nil {
		defer b.hooks.SessionClosed(lib.Name())
	}
	if err := lib.Close(ctx); err == nil {
		return
	}
	if err := lib.Rollback(ctx); err != nil {
		b.logger.Error("broker.session_rollback", "library", lib.Name(), "error", err)
		return
	}
	if err := lib.Close(ctx); err != nil {
		b.logger.Error("broker.session_close", "library", lib.Name(), "error", err)
	}
}

// LibraryMemoryLimit converts the xlib_memory setting to bytes. Values
// are in MiB with a 32 MiB floor; values above 1048576 were given in
// bytes and are converted back to MiB first. Zero means engine default.
func LibraryMemoryLimit(m int64) int64 {
	if m > 0 && m < 32 {
		m = 32
	}
	if m > mib {
		m /= mib
	}
	if m <= 0 {
		return 0
	}
	return m * mib
}

// DocPoolLimit converts the doc_pool_memory setting to bytes, with a
// 1 MiB floor and the same bytes-for-MiB correction as
// LibraryMemoryLimit.
func DocPoolLimit(m int64) int64 {
	if m < 1 {
		m = 1
	}
	if m > mib {
		m /= mib
	}
	return m * mib
}
