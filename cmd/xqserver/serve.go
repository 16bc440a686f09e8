package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/xqserver/internal/api"
	"github.com/fentz26/xqserver/internal/audit"
	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/config"
	"github.com/fentz26/xqserver/internal/engine/xlib"
	"github.com/fentz26/xqserver/internal/metrics"
	"github.com/fentz26/xqserver/internal/store"
)

// DefaultAuditDB is the audit database name, relative to the server root.
const DefaultAuditDB = "qizx-audit.db"

const shutdownTimeout = 30 * time.Second

var (
	serverRoot    string
	listenAddr    string
	metricsListen string
	watchConfig   bool
	authMode      string
	usersFile     string
	logLevel      string
	logFormat     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Starts the HTTP server over the server root given by --root. The root holds
the configuration file ` + config.FileName + `.`,
	RunE: runServe,
}

func init() {
	wd, _ := os.Getwd()
	serveCmd.Flags().StringVar(&serverRoot, "root", wd, "Server root directory")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8080", "Listen address for the API server")
	serveCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Separate listen address for /metrics (default: served by the API listener)")
	serveCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Reload the server when the configuration file changes")
	serveCmd.Flags().Var(newEnumValue(&authMode, auth.ModeHeader, auth.ModeHeader, auth.ModeBasic, auth.ModeNone), "auth", "Authentication mode: header, basic or none")
	serveCmd.Flags().StringVar(&usersFile, "users-file", "", "Users file for basic authentication (default: "+config.AuthUsersFile+" setting)")
	serveCmd.Flags().Var(newEnumValue(&logLevel, "info", "debug", "info", "warn", "error"), "log-level", "Log level: debug, info, warn or error")
	serveCmd.Flags().Var(newEnumValue(&logFormat, "text", "text", "json"), "log-format", "Log format: text or json")
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <user> [roles]",
	Short: "Print a users file entry",
	Long: `Reads a password from the first line of standard input and prints the
users file entry "user:<bcrypt hash>:roles" for basic authentication.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runHashPassword,
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	sc := bufio.NewScanner(cmd.InOrStdin())
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return errors.Wrap(err, "read password")
		}
		return errors.New("no password on standard input")
	}
	password := strings.TrimRight(sc.Text(), "\r")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	entry := args[0] + ":" + hash
	if len(args) == 2 {
		entry += ":" + args[1]
	}
	fmt.Fprintln(cmd.OutOrStdout(), entry)
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, errors.Errorf("invalid log format %q", format)
}

// openAudit opens the audit store named by the audit_db setting. It
// returns nil when auditing is disabled.
func openAudit(cfg *config.Config, logger *slog.Logger) (*store.Store, *audit.Writer, error) {
	name := cfg.String(config.AuditDB, DefaultAuditDB)
	if strings.EqualFold(name, "none") {
		logger.Info("audit.disabled")
		return nil, nil, nil
	}
	path, _ := cfg.File(config.AuditDB)
	if path == "" {
		path = filepath.Join(cfg.Root(), name)
	}
	s, err := store.New(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open audit store")
	}
	logger.Info("audit.open", "path", path)
	return s, audit.NewWriter(s, logger), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	root, err := filepath.Abs(serverRoot)
	if err != nil {
		return err
	}
	logger.Info("server.starting", "root", root, "version", Version)

	cfg, err := config.Load(root, logger)
	if err != nil {
		return err
	}

	auditStore, auditWriter, err := openAudit(cfg, logger)
	if err != nil {
		return err
	}
	if auditStore != nil {
		defer auditStore.Close()
	}

	users := usersFile
	if users == "" {
		users, _ = cfg.File(config.AuthUsersFile)
	}
	authn, err := auth.New(authMode, users)
	if err != nil {
		return err
	}

	m := metrics.New()
	var hooks broker.Hooks
	if auditWriter != nil {
		hooks.ActionEnded = auditWriter.ActionEnded
	}

	b := broker.New(broker.Options{
		Root:   root,
		Opener: xlib.Opener,
		Logger: logger,
		Hooks:  m.Hooks(hooks),
		Config: cfg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The server keeps running offline when the engine cannot start:
	// requests then fail with SERVER errors until a reload succeeds.
	if err := b.Start(ctx); err != nil {
		logger.Error("broker.start_failed", "error", err)
	}

	server := api.NewServer(api.Options{
		Broker:       b,
		Auth:         authn,
		Audit:        auditWriter,
		Metrics:      m,
		Logger:       logger,
		Version:      Version,
		MetricsRoute: metricsListen == "",
	})

	var metricsServer *http.Server
	if metricsListen != "" {
		metricsServer = &http.Server{
			Addr:              metricsListen,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "api server")
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics.listen", "addr", metricsListen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}
	if watchConfig {
		g.Go(func() error {
			return config.Watch(gctx, root, config.DefaultDebounce, logger, func() {
				logger.Info("server.reload", "config", cfg.Path())
				if err := b.Reload(gctx); err != nil {
					logger.Error("broker.reload_failed", "error", err)
				}
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server.shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api.shutdown_failed", "error", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics.shutdown_failed", "error", err)
			}
		}
		if err := b.Stop(shutdownCtx); err != nil {
			logger.Error("broker.stop_failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Shutdown complete")
	return nil
}
