// Package config loads the server configuration file found at the root of
// a server directory.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// FileName is the name of the configuration file inside the server root.
const FileName = "qizx-server.conf"

// Recognized keys.
const (
	ServerName         = "server_name"
	PostLimit          = "post_limit"
	AdminRole          = "admin_role"
	AdminUser          = "admin_user"
	LibraryGroup       = "library_group"
	LibraryMemory      = "xlib_memory"
	DocPoolMemory      = "doc_pool_memory"
	AccessControl      = "access_control"
	FullTextFactory    = "fulltext_factory"
	Catalogs           = "catalogs"
	CatalogsPrefer     = "catalogs_prefer"
	CatalogsVerbosity  = "catalogs_verbosity"
	ModuleDir          = "module_dir"
	ServicesDir        = "services_dir"
	ServicesLibrary    = "services_library"
	AllowedJavaClasses = "allowed_java_classes"
	EvalTimeOut        = "eval_time_out"
	AuditDB            = "audit_db"
	AuthUsersFile      = "auth_users_file"
)

var listSeparator = regexp.MustCompile(`[ \t;,]+`)

// Config is a read-only snapshot of the configuration file.
type Config struct {
	root   string
	v      *viper.Viper
	logger *slog.Logger
}

// Load reads <root>/qizx-server.conf.
func Load(root string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "server root")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("server root is not a directory: %s", root)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(root, FileName))
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "cannot load configuration at %s", filepath.Join(root, FileName))
	}
	return &Config{root: root, v: v, logger: logger}, nil
}

// FromMap builds a configuration from in-memory values. Used by tests and
// embedders that do not keep a configuration file.
func FromMap(root string, values map[string]string, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return &Config{root: root, v: v, logger: logger}
}

// Root returns the server root directory.
func (c *Config) Root() string { return c.root }

// Path returns the location of the configuration file.
func (c *Config) Path() string { return filepath.Join(c.root, FileName) }

// IsSet reports whether the key appears in the configuration.
func (c *Config) IsSet(key string) bool { return c.v.IsSet(key) }

// String returns the trimmed value of key, or def when absent or empty.
func (c *Config) String(key, def string) string {
	if !c.v.IsSet(key) {
		return def
	}
	s := strings.TrimSpace(c.v.GetString(key))
	if s == "" {
		return def
	}
	return s
}

// Int returns the integer value of key. An unparsable value is logged and
// def is returned.
func (c *Config) Int(key string, def int64) int64 {
	s := c.String(key, "")
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		c.logger.Warn("config.invalid_value", "key", key, "value", s)
		return def
	}
	return n
}

// File resolves the value of key against the server root. It reports
// false when the key is absent.
func (c *Config) File(key string) (string, bool) {
	s := c.String(key, "")
	if s == "" {
		return "", false
	}
	if filepath.IsAbs(s) {
		return filepath.Clean(s), true
	}
	return filepath.Join(c.root, s), true
}

// List splits the value of key on blanks, commas and semicolons. It
// returns nil when the key is absent.
func (c *Config) List(key string) []string {
	s := c.String(key, "")
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range listSeparator.Split(s, -1) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
