// Package config loads the subset of qBit Manage's config.yml that the
// recovery engine needs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// ErrCodeNotFound means the configuration file does not exist.
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid means the file could not be read, parsed or validated.
	ErrCodeInvalid = "config_invalid"
)

// Error is a configuration-stage failure carrying an error code.
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s: config file %q not found", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: config file %q: %v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s: config file %q", e.Code, e.Path)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code extracts the error code from err, or "" when err is not an *Error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Config mirrors the keys of config.yml consumed by the engine.
type Config struct {
	Directory  Directory   `yaml:"directory" validate:"-"`
	RecycleBin *RecycleBin `yaml:"recyclebin" validate:"required"`
	Cat        Categories  `yaml:"cat"`
}

// Directory holds the directory section.
type Directory struct {
	RootDir     string `yaml:"root_dir"`
	RemoteDir   string `yaml:"remote_dir" validate:"required_without=RootDir"`
	RecycleBin  string `yaml:"recycle_bin" validate:"required"`
	TorrentsDir string `yaml:"torrents_dir" validate:"required"`
}

// ContentRoot is where torrent content lives from this tool's point of view.
func (d Directory) ContentRoot() string {
	if d.RemoteDir != "" {
		return d.RemoteDir
	}
	return d.RootDir
}

// RecycleBin holds the recyclebin section.
type RecycleBin struct {
	Enabled         bool `yaml:"enabled"`
	EmptyAfterXDays *int `yaml:"empty_after_x_days"`
	SaveTorrents    bool `yaml:"save_torrents"`
	SplitByCategory bool `yaml:"split_by_category"`
}

// Category is one entry of the cat section.
type Category struct {
	Name string
	Path string
}

// Categories keeps the cat mapping in file order.
type Categories []Category

// UnmarshalYAML decodes a mapping node while preserving key order.
func (c *Categories) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		*c = nil
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: cat must be a mapping of category to save path", value.Line)
	}
	out := make(Categories, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		var name, path string
		if err := k.Decode(&name); err != nil {
			return fmt.Errorf("line %d: category name: %w", k.Line, err)
		}
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: category %q: save path must be a string", v.Line, name)
		}
		if v.Tag != "!!null" {
			if err := v.Decode(&path); err != nil {
				return fmt.Errorf("line %d: category %q: %w", v.Line, name, err)
			}
		}
		out = append(out, Category{Name: name, Path: path})
	}
	*c = out
	return nil
}

// Enabled reports whether the recycle bin is switched on.
func (c *Config) Enabled() bool {
	return c.RecycleBin != nil && c.RecycleBin.Enabled
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Code: ErrCodeNotFound, Path: path, Err: err}
		}
		return nil, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants. The directory section is only
// required while the recycle bin is enabled.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("missing required section: %w", err)
	}
	if !c.RecycleBin.Enabled {
		return nil
	}
	if err := validate.Struct(c.Directory); err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if !c.RecycleBin.SplitByCategory {
		return nil
	}
	if len(c.Cat) == 0 {
		return errors.New("recyclebin.split_by_category is true but cat is empty")
	}
	for _, cat := range c.Cat {
		if strings.TrimSpace(cat.Path) == "" {
			return fmt.Errorf("cat.%s: save path is empty", cat.Name)
		}
		if strings.ContainsRune(cat.Path, 0) {
			return fmt.Errorf("cat.%s: save path contains a NUL byte", cat.Name)
		}
	}
	return nil
}
