package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AppConfigFile is the name of the persisted settings file in the data dir.
const AppConfigFile = "config.json"

// SchemaVersion is the current config.json schema.
const SchemaVersion = 1

var ErrInvalidIPv4 = errors.New("invalid IPv4 address")

// AppConfig is the user-editable settings document. Sections this service
// does not know are kept as they are.
type AppConfig struct {
	Version int             `json:"version"`
	Network NetworkSettings `json:"network"`
	Printer PrinterSettings `json:"printer"`
	UI      UISettings      `json:"ui"`

	extra map[string]json.RawMessage
}

type NetworkSettings struct {
	DeviceIPConfig string `json:"deviceIpConfig"`
	PrinterIP      string `json:"printerIp"`
}

type PrinterSettings struct {
	DefaultCopies int    `json:"defaultCopies"`
	LabelTemplate string `json:"labelTemplate"`
	DPI           int    `json:"dpi"`
	Rotate        int    `json:"rotate"`
}

type UISettings struct {
	Language string `json:"language"`
	Theme    string `json:"theme"` // light, dark
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Version: SchemaVersion,
		Printer: PrinterSettings{DefaultCopies: 1, LabelTemplate: "standard-v1", DPI: 203},
		UI:      UISettings{Language: "de", Theme: "light"},
	}
}

func (a AppConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.extra)+4)
	for k, v := range a.extra {
		out[k] = v
	}
	out["version"] = a.Version
	out["network"] = a.Network
	out["printer"] = a.Printer
	out["ui"] = a.UI
	return json.Marshal(out)
}

// UnmarshalJSON decodes over the current value, so fields missing from b
// keep whatever a already holds.
func (a *AppConfig) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	known := map[string]any{
		"version": &a.Version,
		"network": &a.Network,
		"printer": &a.Printer,
		"ui":      &a.UI,
	}
	for k, v := range raw {
		dst, ok := known[k]
		if !ok {
			if a.extra == nil {
				a.extra = make(map[string]json.RawMessage)
			}
			a.extra[k] = v
			continue
		}
		if string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

// ValidIPv4 reports whether s is a dotted quad of decimal octets.
func ValidIPv4(s string) bool {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// AppStore reads and writes config.json in a data dir.
type AppStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewAppStore(dir string, logger *slog.Logger) *AppStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppStore{dir: dir, logger: logger.With("component", "appconfig")}
}

func (s *AppStore) Path() string { return filepath.Join(s.dir, AppConfigFile) }

// Load returns the stored settings with missing fields filled from the
// defaults, and writes the migrated document back. A missing or unreadable
// file is replaced by the defaults.
func (s *AppStore) Load() (AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *AppStore) load() (AppConfig, error) {
	cfg := DefaultAppConfig()
	b, err := os.ReadFile(s.Path())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		s.logger.Warn("reading settings, using defaults", "path", s.Path(), "error", err)
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			s.logger.Warn("settings file is corrupt, using defaults", "path", s.Path(), "error", err)
			cfg = DefaultAppConfig()
		}
	}
	if cfg.Version < SchemaVersion {
		cfg.Version = SchemaVersion
	}
	if err := s.write(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *AppStore) Save(cfg AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cfg)
}

// UpdateNetwork validates and stores new addresses. Empty strings are
// allowed and clear the address. It returns the settings before and after.
func (s *AppStore) UpdateNetwork(deviceIP, printerIP string) (AppConfig, AppConfig, error) {
	deviceIP, printerIP = strings.TrimSpace(deviceIP), strings.TrimSpace(printerIP)
	if deviceIP != "" && !ValidIPv4(deviceIP) {
		return AppConfig{}, AppConfig{}, fmt.Errorf("%w: device %q", ErrInvalidIPv4, deviceIP)
	}
	if printerIP != "" && !ValidIPv4(printerIP) {
		return AppConfig{}, AppConfig{}, fmt.Errorf("%w: printer %q", ErrInvalidIPv4, printerIP)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.load()
	if err != nil {
		return AppConfig{}, AppConfig{}, err
	}
	next := prev
	next.Network = NetworkSettings{DeviceIPConfig: deviceIP, PrinterIP: printerIP}
	if err := s.write(next); err != nil {
		return prev, prev, err
	}
	return prev, next, nil
}

// write replaces the file through a temp file and rename. A rename that
// keeps failing falls back to writing the target directly.
func (s *AppStore) write(cfg AppConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, AppConfigFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp settings: %w", errors.Join(werr, cerr))
	}

	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		err = os.Rename(tmpPath, s.Path())
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(50*(i+1)) * time.Millisecond)
	}
	s.logger.Warn("rename failed, writing settings in place", "error", err)
	_ = os.Remove(tmpPath)
	if err := os.WriteFile(s.Path(), data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
