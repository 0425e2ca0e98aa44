package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"viewsical/internal/datetime"
	"viewsical/internal/ics"
	"viewsical/internal/model"
)

// NOTE: configuration is YAML by default; a path ending in .toml is read
// and written as TOML. Missing files are created with defaults and 0600
// permissions on first run.

// FieldText marks a schema field holding plain text. Date fields use the
// model.DateKind names.
const FieldText = "text"

// FieldConfig declares one field of a view's records.
type FieldConfig struct {
	// Type is one of instant, instant_range, recurring or text.
	Type string `yaml:"type" toml:"type" json:"type"`
	// Timezone is the field's IANA timezone override. Only meaningful for
	// date fields.
	Timezone string `yaml:"timezone,omitempty" toml:"timezone,omitempty" json:"timezone,omitempty"`
}

// SourceConfig points at a record document. Exactly one of File and URL is set.
type SourceConfig struct {
	File string `yaml:"file,omitempty" toml:"file,omitempty" json:"file,omitempty"`
	URL  string `yaml:"url,omitempty" toml:"url,omitempty" json:"url,omitempty"`
}

// ViewConfig describes a single published calendar feed.
type ViewConfig struct {
	// Name is used in URLs (/views/{name}.ics) and output file names.
	Name string `yaml:"name" toml:"name" json:"name"`
	// Title is the calendar name shown by clients.
	Title string `yaml:"title" toml:"title" json:"title"`
	// Link is the canonical URL of the view; it also namespaces event UIDs.
	Link   string `yaml:"link,omitempty" toml:"link,omitempty" json:"link,omitempty"`
	ProdID string `yaml:"prodid,omitempty" toml:"prodid,omitempty" json:"prodid,omitempty"`

	Source  SourceConfig       `yaml:"source" toml:"source" json:"source"`
	Fields  Schema             `yaml:"fields" toml:"fields" json:"fields"`
	Mapping model.FieldMapping `yaml:"mapping" toml:"mapping" json:"mapping"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the feed server.
type BasicAuthConfig struct {
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the feed server.
	Listen string `yaml:"listen" toml:"listen" json:"listen"`

	// Timezone is the IANA fallback zone for date fields without an override.
	Timezone string `yaml:"timezone" toml:"timezone" json:"timezone"`

	LogLevel  string `yaml:"log_level" toml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format" json:"log_format"`

	// RefreshCron is a standard cron schedule (e.g. "*/15 * * * *") for
	// reloading record sources.
	RefreshCron string `yaml:"refresh" toml:"refresh" json:"refresh"`

	// CacheDir holds the last good body of every URL source.
	CacheDir string `yaml:"cache_dir" toml:"cache_dir" json:"cache_dir"`

	// CORSOrigins lists origins allowed to fetch feeds from a browser.
	CORSOrigins []string `yaml:"cors_origins,omitempty" toml:"cors_origins,omitempty" json:"cors_origins,omitempty"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" toml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Views []ViewConfig `yaml:"views" toml:"views" json:"views"`
}

// Schema maps field names to their declared types. It is the field-metadata
// provider the expander validates mappings against.
type Schema map[string]FieldConfig

var _ ics.FieldResolver = Schema(nil)

func (s Schema) Describe(name string) (ics.FieldInfo, bool) {
	f, ok := s[name]
	if !ok {
		return ics.FieldInfo{}, false
	}
	if f.Type == FieldText {
		return ics.FieldInfo{}, true
	}
	return ics.FieldInfo{Kind: model.DateKind(f.Type), TimezoneOverride: f.Timezone}, true
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "UTC",
		LogLevel:    "info",
		LogFormat:   "text",
		RefreshCron: "*/15 * * * *",
		CacheDir:    "./var/source-cache",
		Views:       []ViewConfig{},
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		c.LogFormat = def.LogFormat
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.Views == nil {
		c.Views = []ViewConfig{}
	}
	for i := range c.Views {
		if c.Views[i].Title == "" {
			c.Views[i].Title = c.Views[i].Name
		}
	}
}

// Validate checks everything Load cannot: zones, schedule, sources and each
// view's field mapping. Mapping failures are *ics.ConfigError.
func (c *Config) Validate() error {
	var errs []error

	if _, err := datetime.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}

	seen := make(map[string]bool, len(c.Views))
	for i, v := range c.Views {
		label := fmt.Sprintf("views[%d]", i)
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		} else {
			label = "view " + v.Name
			if seen[v.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", label))
			}
			seen[v.Name] = true
			if strings.ContainsAny(v.Name, "/\\. ") {
				errs = append(errs, fmt.Errorf("%s: name must not contain '/', '\\', '.' or spaces", label))
			}
		}

		if (v.Source.File == "") == (v.Source.URL == "") {
			errs = append(errs, fmt.Errorf("%s: source needs exactly one of file or url", label))
		}

		for name, f := range v.Fields {
			if f.Type != FieldText && !model.DateKind(f.Type).Valid() {
				errs = append(errs, fmt.Errorf("%s: field %s: unknown type %q", label, name, f.Type))
			}
		}

		if _, err := ics.NewExpander(v.Mapping, v.Fields); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}

	return errors.Join(errs...)
}

// View returns the named view.
func (c *Config) View(name string) (ViewConfig, bool) {
	for _, v := range c.Views {
		if v.Name == name {
			return v, true
		}
	}
	return ViewConfig{}, false
}

// Load loads configuration from the given path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the file is decoded (TOML for *.toml, YAML otherwise) and
//     defaults are filled in.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := encode(path, cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".viewsical-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

func encode(path string, cfg *Config) ([]byte, error) {
	if !isTOML(path) {
		return yaml.Marshal(cfg)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// EnvOverrides are settings taken from the environment, applied on top of
// the config file.
type EnvOverrides struct {
	Listen    string `env:"VIEWSICAL_LISTEN"`
	Timezone  string `env:"VIEWSICAL_TIMEZONE"`
	LogLevel  string `env:"VIEWSICAL_LOG_LEVEL"`
	LogFormat string `env:"VIEWSICAL_LOG_FORMAT"`
}

// LoadEnv reads overrides through l, or the process environment when l is nil.
func LoadEnv(ctx context.Context, l envconfig.Lookuper) (EnvOverrides, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	var o EnvOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &o, Lookuper: l}); err != nil {
		return EnvOverrides{}, err
	}
	return o, nil
}

// Apply copies every non-empty override into c.
func (o EnvOverrides) Apply(c *Config) {
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.Timezone != "" {
		c.Timezone = o.Timezone
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
	c.Normalize()
}
