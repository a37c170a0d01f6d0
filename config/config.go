// Package config loads clapguard's YAML configuration, layers secrets from
// the environment and applies command-line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"clapguard/capture"
	"clapguard/dispatch"
	"clapguard/escalation"
	"clapguard/hardware"
	"clapguard/hotkey"
	"clapguard/recipients"
	"clapguard/relay"
)

// Config is the top-level YAML document. Defaults live in DefaultConfig and
// Validate is the single place invariants are checked.
type Config struct {
	Audio      AudioConfig     `yaml:"audio"`
	Countdown  CountdownConfig `yaml:"countdown"`
	Capture    CaptureConfig   `yaml:"capture"`
	Relay      RelayConfig     `yaml:"relay"`
	Dispatch   DispatchConfig  `yaml:"dispatch"`
	Hardware   HardwareConfig  `yaml:"hardware"`
	StateWS    StateWSConfig   `yaml:"statews"`
	Notify     NotifyConfig    `yaml:"notify"`
	Hotkey     HotkeyConfig    `yaml:"hotkey"`
	Recipients []string        `yaml:"recipients"`
	Logging    LoggingConfig   `yaml:"logging"`
}

type AudioConfig struct {
	Device         string `yaml:"device"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	Beep           bool   `yaml:"beep"`
}

type CountdownConfig struct {
	Seconds          int  `yaml:"seconds"`
	ChallengeAt      int  `yaml:"challenge_at"`
	ChallengeEnabled bool `yaml:"challenge_enabled"`
	FlashWindowMS    int  `yaml:"flash_window_ms"`
	SilenceCancelMS  int  `yaml:"silence_cancel_ms"`
	RecentGestureMS  int  `yaml:"recent_gesture_ms"`
	AlertHoldMS      int  `yaml:"alert_hold_ms"`
}

type CaptureConfig struct {
	Source         string  `yaml:"source"` // "none", "file" or "http"
	Path           string  `yaml:"path,omitempty"`
	URL            string  `yaml:"url,omitempty"`
	PollIntervalMS int     `yaml:"poll_interval_ms"`
	MaxWidth       int     `yaml:"max_width"`
	MaxHeight      int     `yaml:"max_height"`
	StartQuality   float64 `yaml:"start_quality"`
	MinQuality     float64 `yaml:"min_quality"`
	QualityStep    float64 `yaml:"quality_step"`
	ShrinkRatio    float64 `yaml:"shrink_ratio"`
	RestartDrop    float64 `yaml:"restart_drop"`
	FloorWidth     int     `yaml:"floor_width"`
	FloorHeight    int     `yaml:"floor_height"`
}

type RelayConfig struct {
	Provider          string `yaml:"provider"` // "emailjs" or "log"
	APIURL            string `yaml:"api_url"`
	ServiceID         string `yaml:"service_id,omitempty"`
	TemplateID        string `yaml:"template_id,omitempty"`
	PublicKey         string `yaml:"public_key,omitempty"`
	PrivateKey        string `yaml:"private_key,omitempty"`
	ImageField        string `yaml:"image_field"`
	MaxPayloadBytes   int    `yaml:"max_payload_bytes"`
	SafetyMarginBytes int    `yaml:"safety_margin_bytes"`
	TimeoutMS         int    `yaml:"timeout_ms"`
}

type DispatchConfig struct {
	CooldownMS int               `yaml:"cooldown_ms"`
	NoticeMS   int               `yaml:"notice_ms"`
	TimeoutMS  int               `yaml:"timeout_ms"`
	Subject    string            `yaml:"subject"`
	Params     map[string]string `yaml:"params,omitempty"`
}

type HardwareConfig struct {
	Enabled         bool     `yaml:"enabled"`
	BaseURL         string   `yaml:"base_url"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	SmoothingFactor *float64 `yaml:"smoothing_factor,omitempty"`
}

type StateWSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type NotifyConfig struct {
	Desktop bool `yaml:"desktop"`
}

type HotkeyConfig struct {
	Combo string `yaml:"combo"` // e.g. "ctrl+shift+s"
}

type LoggingConfig struct {
	Path  string `yaml:"path,omitempty"`
	Level string `yaml:"level"`
}

func DefaultConfig() Config {
	return Config{
		Audio: AudioConfig{
			PollIntervalMS: 16,
			Beep:           true,
		},
		Countdown: CountdownConfig{
			Seconds:          10,
			ChallengeAt:      8,
			ChallengeEnabled: true,
			FlashWindowMS:    1800,
			SilenceCancelMS:  1500,
			RecentGestureMS:  1500,
			AlertHoldMS:      6000,
		},
		Capture: CaptureConfig{
			Source:         "none",
			PollIntervalMS: 1000,
			MaxWidth:       640,
			MaxHeight:      480,
			StartQuality:   0.8,
			MinQuality:     0.35,
			QualityStep:    0.1,
			ShrinkRatio:    0.85,
			RestartDrop:    0.05,
			FloorWidth:     240,
			FloorHeight:    180,
		},
		Relay: RelayConfig{
			Provider:          "emailjs",
			APIURL:            relay.DefaultEmailJSURL,
			ImageField:        relay.DefaultImageField,
			MaxPayloadBytes:   50 * 1024,
			SafetyMarginBytes: 2048,
			TimeoutMS:         20000,
		},
		Dispatch: DispatchConfig{
			CooldownMS: 10000,
			NoticeMS:   3000,
			TimeoutMS:  30000,
			Subject:    "Clap alert",
		},
		Hardware: HardwareConfig{
			BaseURL:   "http://localhost:5002",
			TimeoutMS: 2000,
		},
		StateWS: StateWSConfig{
			Listen: "127.0.0.1:8765",
			Path:   "/ws",
		},
		Notify: NotifyConfig{
			Desktop: true,
		},
		Hotkey: HotkeyConfig{
			Combo: "ctrl+shift+s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ResolvePath picks the config file: flag, then CLAPGUARD_CONFIG, then the
// per-user default if it exists. An empty result means "defaults only".
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return ExpandPath(flagPath)
	}
	if env := os.Getenv("CLAPGUARD_CONFIG"); env != "" {
		return ExpandPath(env)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(dir, "clapguard", "config.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// LoadConfigFile reads a YAML file over the defaults. Unknown fields and
// trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}
	return cfg, nil
}

// LoadEnv loads a .env file if present. Variables already set in the
// process environment win.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv copies relay secrets and extra recipients from the environment.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Relay.ServiceID, "CLAPGUARD_EMAILJS_SERVICE_ID")
	set(&c.Relay.TemplateID, "CLAPGUARD_EMAILJS_TEMPLATE_ID")
	set(&c.Relay.PublicKey, "CLAPGUARD_EMAILJS_PUBLIC_KEY")
	set(&c.Relay.PrivateKey, "CLAPGUARD_EMAILJS_PRIVATE_KEY")
	if v := os.Getenv("CLAPGUARD_RECIPIENTS"); v != "" {
		c.Recipients = append(c.Recipients, splitList(v)...)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FlagOverrides carries command-line values; nil pointers are not applied.
type FlagOverrides struct {
	Device           *string
	ChallengeEnabled *bool
	CountdownSeconds *int
	CaptureSource    *string
	CapturePath      *string
	CaptureURL       *string
	RelayProvider    *string
	Recipients       *string
	HardwareEnabled  *bool
	HardwareURL      *string
	StateWSEnabled   *bool
	StateWSListen    *string
	Beep             *bool
	LogPath          *string
	LogLevel         *string
}

func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Device != nil {
		cfg.Audio.Device = *o.Device
	}
	if o.ChallengeEnabled != nil {
		cfg.Countdown.ChallengeEnabled = *o.ChallengeEnabled
	}
	if o.CountdownSeconds != nil {
		cfg.Countdown.Seconds = *o.CountdownSeconds
	}
	if o.CaptureSource != nil {
		cfg.Capture.Source = *o.CaptureSource
	}
	if o.CapturePath != nil {
		cfg.Capture.Path = *o.CapturePath
	}
	if o.CaptureURL != nil {
		cfg.Capture.URL = *o.CaptureURL
	}
	if o.RelayProvider != nil {
		cfg.Relay.Provider = *o.RelayProvider
	}
	if o.Recipients != nil {
		cfg.Recipients = splitList(*o.Recipients)
	}
	if o.HardwareEnabled != nil {
		cfg.Hardware.Enabled = *o.HardwareEnabled
	}
	if o.HardwareURL != nil {
		cfg.Hardware.BaseURL = *o.HardwareURL
	}
	if o.StateWSEnabled != nil {
		cfg.StateWS.Enabled = *o.StateWSEnabled
	}
	if o.StateWSListen != nil {
		cfg.StateWS.Listen = *o.StateWSListen
	}
	if o.Beep != nil {
		cfg.Audio.Beep = *o.Beep
	}
	if o.LogPath != nil {
		cfg.Logging.Path = *o.LogPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks invariants after defaults, file, env and flags are applied.
// Recipient addresses are normalized in place.
func (c *Config) Validate() error {
	if c.Audio.PollIntervalMS <= 0 || c.Audio.PollIntervalMS > 1000 {
		return errors.New("audio.poll_interval_ms must be between 1 and 1000")
	}

	cd := c.Countdown
	if cd.Seconds <= 0 {
		return errors.New("countdown.seconds must be > 0")
	}
	if cd.ChallengeEnabled && (cd.ChallengeAt <= 0 || cd.ChallengeAt >= cd.Seconds) {
		return errors.New("countdown.challenge_at must be between 1 and countdown.seconds-1")
	}
	if cd.FlashWindowMS <= 0 || cd.SilenceCancelMS <= 0 || cd.RecentGestureMS <= 0 || cd.AlertHoldMS <= 0 {
		return errors.New("countdown timing values must be > 0")
	}

	cp := c.Capture
	switch cp.Source {
	case "none":
	case "file":
		if cp.Path == "" {
			return errors.New("capture.path is required when capture.source is file")
		}
	case "http":
		if err := validURL(cp.URL); err != nil {
			return fmt.Errorf("capture.url: %w", err)
		}
		if cp.PollIntervalMS <= 0 {
			return errors.New("capture.poll_interval_ms must be > 0")
		}
	default:
		return fmt.Errorf("capture.source must be none, file or http (got %q)", cp.Source)
	}
	if cp.MaxWidth <= 0 || cp.MaxHeight <= 0 {
		return errors.New("capture.max_width and capture.max_height must be > 0")
	}
	if cp.FloorWidth <= 0 || cp.FloorHeight <= 0 || cp.FloorWidth > cp.MaxWidth || cp.FloorHeight > cp.MaxHeight {
		return errors.New("capture floor dimensions must be > 0 and within the max dimensions")
	}
	if cp.MinQuality <= 0 || cp.StartQuality > 1 || cp.MinQuality > cp.StartQuality {
		return errors.New("capture qualities must satisfy 0 < min_quality <= start_quality <= 1")
	}
	if cp.QualityStep <= 0 {
		return errors.New("capture.quality_step must be > 0")
	}
	if cp.ShrinkRatio <= 0 || cp.ShrinkRatio >= 1 {
		return errors.New("capture.shrink_ratio must be between 0 and 1 (exclusive)")
	}
	if cp.RestartDrop < 0 {
		return errors.New("capture.restart_drop must be >= 0")
	}

	r := c.Relay
	switch r.Provider {
	case "emailjs":
		if err := validURL(r.APIURL); err != nil {
			return fmt.Errorf("relay.api_url: %w", err)
		}
	case "log":
	default:
		return fmt.Errorf("relay.provider must be emailjs or log (got %q)", r.Provider)
	}
	if r.MaxPayloadBytes <= 0 {
		return errors.New("relay.max_payload_bytes must be > 0")
	}
	if r.SafetyMarginBytes < 0 || r.SafetyMarginBytes >= r.MaxPayloadBytes {
		return errors.New("relay.safety_margin_bytes must be >= 0 and below relay.max_payload_bytes")
	}
	if r.TimeoutMS <= 0 {
		return errors.New("relay.timeout_ms must be > 0")
	}

	if c.Dispatch.CooldownMS < 0 || c.Dispatch.NoticeMS < 0 || c.Dispatch.TimeoutMS <= 0 {
		return errors.New("dispatch timings must be non-negative (timeout_ms > 0)")
	}

	if c.Hardware.Enabled {
		if err := validURL(c.Hardware.BaseURL); err != nil {
			return fmt.Errorf("hardware.base_url: %w", err)
		}
		if c.Hardware.TimeoutMS <= 0 {
			return errors.New("hardware.timeout_ms must be > 0")
		}
	}
	if f := c.Hardware.SmoothingFactor; f != nil && (*f < 0 || *f > 1) {
		return errors.New("hardware.smoothing_factor must be between 0.0 and 1.0")
	}

	if c.StateWS.Enabled {
		if c.StateWS.Listen == "" {
			return errors.New("statews.listen must not be empty")
		}
		if !strings.HasPrefix(c.StateWS.Path, "/") {
			return errors.New("statews.path must start with /")
		}
	}

	if _, err := hotkey.ParseBinding(c.Hotkey.Combo); err != nil {
		return fmt.Errorf("hotkey.combo: %w", err)
	}

	seen := make(map[string]bool, len(c.Recipients))
	normalized := make([]string, 0, len(c.Recipients))
	for i, addr := range c.Recipients {
		a, err := recipients.Normalize(addr)
		if err != nil {
			return fmt.Errorf("recipients[%d]: %w", i, err)
		}
		if seen[a] {
			return fmt.Errorf("recipients[%d]: %w: %s", i, recipients.ErrDuplicate, a)
		}
		seen[a] = true
		normalized = append(normalized, a)
	}
	c.Recipients = normalized

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	return nil
}

func validURL(s string) error {
	if s == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c Config) Escalation() escalation.Config {
	return escalation.Config{
		CountdownSeconds: c.Countdown.Seconds,
		ChallengeAt:      c.Countdown.ChallengeAt,
		ChallengeEnabled: c.Countdown.ChallengeEnabled,
		FlashWindow:      ms(c.Countdown.FlashWindowMS),
		SilenceCancel:    ms(c.Countdown.SilenceCancelMS),
		RecentGesture:    ms(c.Countdown.RecentGestureMS),
		AlertHold:        ms(c.Countdown.AlertHoldMS),
	}
}

// Budget is the largest data URI the relay accepts after the safety margin.
func (c Config) Budget() int {
	return c.Relay.MaxPayloadBytes - c.Relay.SafetyMarginBytes
}

func (c Config) Compression() capture.Options {
	return capture.Options{
		MaxWidth:     c.Capture.MaxWidth,
		MaxHeight:    c.Capture.MaxHeight,
		StartQuality: c.Capture.StartQuality,
		MinQuality:   c.Capture.MinQuality,
		QualityStep:  c.Capture.QualityStep,
		ShrinkRatio:  c.Capture.ShrinkRatio,
		RestartDrop:  c.Capture.RestartDrop,
		FloorWidth:   c.Capture.FloorWidth,
		FloorHeight:  c.Capture.FloorHeight,
		Budget:       c.Budget(),
	}
}

func (c Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		Cooldown:    ms(c.Dispatch.CooldownMS),
		NoticeFor:   ms(c.Dispatch.NoticeMS),
		Timeout:     ms(c.Dispatch.TimeoutMS),
		Subject:     c.Dispatch.Subject,
		ExtraParams: c.Dispatch.Params,
	}
}

func (c Config) EmailJS() relay.EmailJSConfig {
	return relay.EmailJSConfig{
		APIURL:     c.Relay.APIURL,
		ServiceID:  c.Relay.ServiceID,
		TemplateID: c.Relay.TemplateID,
		PublicKey:  c.Relay.PublicKey,
		PrivateKey: c.Relay.PrivateKey,
		ImageField: c.Relay.ImageField,
		Timeout:    ms(c.Relay.TimeoutMS),
	}
}

func (c Config) PollInterval() time.Duration { return ms(c.Audio.PollIntervalMS) }

func (c Config) CapturePollInterval() time.Duration { return ms(c.Capture.PollIntervalMS) }

// CaptureSource builds the configured camera source. The HTTP snapshot is
// returned separately because its owner must run Poll.
func (c Config) CaptureSource() (capture.Source, *capture.HTTPSnapshot) {
	switch c.Capture.Source {
	case "file":
		return &capture.File{Path: ExpandPath(c.Capture.Path)}, nil
	case "http":
		snap := capture.NewHTTPSnapshot(c.Capture.URL)
		return snap, snap
	default:
		return &capture.Static{}, nil
	}
}

func (c Config) Transport() (relay.Transport, error) {
	if c.Relay.Provider == "log" {
		return relay.LogOnly{}, nil
	}
	return relay.NewEmailJS(c.EmailJS())
}

// HotkeyBinding falls back to the default for a combo Validate would reject.
func (c Config) HotkeyBinding() hotkey.Binding {
	b, err := hotkey.ParseBinding(c.Hotkey.Combo)
	if err != nil {
		return hotkey.DefaultBinding
	}
	return b
}

func (c Config) HardwareController() hardware.Controller {
	if !c.Hardware.Enabled {
		return hardware.Noop{}
	}
	return hardware.NewClient(c.Hardware.BaseURL, ms(c.Hardware.TimeoutMS))
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.Relay.PublicKey = mask(c.Relay.PublicKey)
	c.Relay.PrivateKey = mask(c.Relay.PrivateKey)
	return c
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
