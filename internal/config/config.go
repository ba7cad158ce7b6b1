package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("40ms", "90s").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.weft/config.toml.
type Config struct {
	DefaultProfile string     `toml:"default_profile"`
	DisplayName    string     `toml:"display_name"`
	Backend        Backend    `toml:"backend"`
	Queue          Queue      `toml:"queue"`
	Reconciler     Reconciler `toml:"reconciler"`
	Cache          Cache      `toml:"cache"`
}

// Backend locates the mesh daemon.
type Backend struct {
	BaseURL        string   `toml:"base_url"`
	RequestTimeout Duration `toml:"request_timeout"`
	PageSize       int      `toml:"page_size"`
}

// Queue tunes the offline queue.
type Queue struct {
	PollMin                  Duration `toml:"poll_min"`
	PollMax                  Duration `toml:"poll_max"`
	InlineAttachmentCapBytes int      `toml:"inline_attachment_cap_bytes"`
	StorageQuotaBytes        int64    `toml:"storage_quota_bytes"`
}

// Reconciler tunes live event handling.
type Reconciler struct {
	FlushInterval      Duration `toml:"flush_interval"`
	StaleAfter         Duration `toml:"stale_after"`
	WatchdogInterval   Duration `toml:"watchdog_interval"`
	RefreshDebounce    Duration `toml:"refresh_debounce"`
	MinRefreshInterval Duration `toml:"min_refresh_interval"`
	ResubscribeDelay   Duration `toml:"resubscribe_delay"`
}

// Cache bounds the in-memory message cache.
type Cache struct {
	MaxThreadSets int `toml:"max_thread_sets"`
	MaxMessages   int `toml:"max_messages"`
}

// Default returns the configuration used when the file sets nothing.
func Default() *Config {
	return &Config{
		Backend: Backend{
			BaseURL:        "http://127.0.0.1:4243",
			RequestTimeout: Duration{10 * time.Second},
			PageSize:       50,
		},
		Queue: Queue{
			PollMin:                  Duration{time.Second},
			PollMax:                  Duration{15 * time.Second},
			InlineAttachmentCapBytes: 512 << 10,
			StorageQuotaBytes:        50 << 20,
		},
		Reconciler: Reconciler{
			FlushInterval:      Duration{40 * time.Millisecond},
			StaleAfter:         Duration{90 * time.Second},
			WatchdogInterval:   Duration{15 * time.Second},
			RefreshDebounce:    Duration{250 * time.Millisecond},
			MinRefreshInterval: Duration{2 * time.Second},
			ResubscribeDelay:   Duration{3 * time.Second},
		},
		Cache: Cache{
			MaxThreadSets: 2,
			MaxMessages:   500,
		},
	}
}

// Load reads config from the given path on top of Default. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.base_url %q must be an http(s) URL", c.Backend.BaseURL)
	}
	if c.Backend.PageSize < 1 || c.Backend.PageSize > 500 {
		return fmt.Errorf("backend.page_size %d must be between 1 and 500", c.Backend.PageSize)
	}
	if c.Queue.PollMin.Duration <= 0 || c.Queue.PollMax.Duration < c.Queue.PollMin.Duration {
		return fmt.Errorf("queue.poll_min must be positive and not above queue.poll_max")
	}
	if c.Reconciler.StaleAfter.Duration <= c.Reconciler.WatchdogInterval.Duration {
		return fmt.Errorf("reconciler.stale_after must exceed reconciler.watchdog_interval")
	}
	if c.Cache.MaxThreadSets < 1 {
		return fmt.Errorf("cache.max_thread_sets must be at least 1")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
