package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clapguard/capture"
	"clapguard/hardware"
	"clapguard/hotkey"
	"clapguard/recipients"
	"clapguard/relay"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Budget() != 51200-2048 {
		t.Errorf("Budget() = %d", cfg.Budget())
	}
	e := cfg.Escalation()
	if e.CountdownSeconds != 10 || e.ChallengeAt != 8 || e.FlashWindow != 1800*time.Millisecond ||
		e.SilenceCancel != 1500*time.Millisecond || e.AlertHold != 6*time.Second {
		t.Errorf("escalation config = %+v", e)
	}
	d := cfg.DispatchConfig()
	if d.Cooldown != 10*time.Second || d.NoticeFor != 3*time.Second {
		t.Errorf("dispatch config = %+v", d)
	}
}

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	p := writeFile(t, "c.yaml", `
countdown:
  challenge_enabled: false
relay:
  max_payload_bytes: 30000
recipients:
  - Ops@Example.com
`)
	cfg, err := LoadConfigFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Countdown.ChallengeEnabled {
		t.Error("challenge_enabled not applied")
	}
	if cfg.Countdown.Seconds != 10 {
		t.Error("unset fields should keep defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Compression().Budget != 30000-2048 {
		t.Errorf("budget = %d", cfg.Compression().Budget)
	}
	if cfg.Recipients[0] != "ops@example.com" {
		t.Errorf("recipient not normalized: %v", cfg.Recipients)
	}
}

func TestLoadConfigFileRejectsUnknownAndTrailing(t *testing.T) {
	tests := map[string]string{
		"unknown field":     "countdown:\n  secnds: 5\n",
		"trailing document": "countdown:\n  seconds: 5\n---\nfoo: bar\n",
	}
	for name, body := range tests {
		if _, err := LoadConfigFile(writeFile(t, "c.yaml", body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadConfigFile(""); err == nil {
		t.Error("empty path should fail")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CLAPGUARD_EMAILJS_SERVICE_ID", "svc")
	t.Setenv("CLAPGUARD_EMAILJS_TEMPLATE_ID", "tpl")
	t.Setenv("CLAPGUARD_EMAILJS_PUBLIC_KEY", "pub")
	t.Setenv("CLAPGUARD_EMAILJS_PRIVATE_KEY", "priv")
	t.Setenv("CLAPGUARD_RECIPIENTS", "a@example.com, b@example.com,")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	ej := cfg.EmailJS()
	if ej.ServiceID != "svc" || ej.TemplateID != "tpl" || ej.PublicKey != "pub" || ej.PrivateKey != "priv" {
		t.Errorf("emailjs = %+v", ej)
	}
	if err := ej.Validate(); err != nil {
		t.Error(err)
	}
	if len(cfg.Recipients) != 2 || cfg.Recipients[1] != "b@example.com" {
		t.Errorf("recipients = %v", cfg.Recipients)
	}
	if r := cfg.Redacted(); r.Relay.PrivateKey != "***" || cfg.Relay.PrivateKey != "priv" {
		t.Error("Redacted should mask a copy only")
	}
}

func TestLoadEnvFile(t *testing.T) {
	p := writeFile(t, ".env", "CLAPGUARD_EMAILJS_TEMPLATE_ID=from-file\n")
	t.Setenv("CLAPGUARD_EMAILJS_TEMPLATE_ID", "")
	os.Unsetenv("CLAPGUARD_EMAILJS_TEMPLATE_ID")
	if err := LoadEnv(p); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("CLAPGUARD_EMAILJS_TEMPLATE_ID"); got != "from-file" {
		t.Errorf("env = %q", got)
	}
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored: %v", err)
	}
}

func TestFlagOverrides(t *testing.T) {
	off := false
	secs := 15
	src := "file"
	path := "/tmp/frame.jpg"
	list := "x@example.com,y@example.com"
	cfg := DefaultConfig()
	FlagOverrides{
		ChallengeEnabled: &off,
		CountdownSeconds: &secs,
		CaptureSource:    &src,
		CapturePath:      &path,
		Recipients:       &list,
	}.Apply(&cfg)

	if cfg.Countdown.ChallengeEnabled || cfg.Countdown.Seconds != 15 {
		t.Errorf("countdown = %+v", cfg.Countdown)
	}
	if cfg.Capture.Source != "file" || cfg.Capture.Path != path {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if len(cfg.Recipients) != 2 {
		t.Errorf("recipients = %v", cfg.Recipients)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	FlagOverrides{}.Apply(nil)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"challenge after start", func(c *Config) { c.Countdown.ChallengeAt = 10 }, "challenge_at"},
		{"challenge disabled ignores offset", func(c *Config) { c.Countdown.ChallengeEnabled = false; c.Countdown.ChallengeAt = 0 }, ""},
		{"file source needs path", func(c *Config) { c.Capture.Source = "file" }, "capture.path"},
		{"http source needs url", func(c *Config) { c.Capture.Source = "http"; c.Capture.URL = "ftp://cam" }, "capture.url"},
		{"bad source", func(c *Config) { c.Capture.Source = "webcam" }, "capture.source"},
		{"margin above limit", func(c *Config) { c.Relay.SafetyMarginBytes = 60000 }, "safety_margin"},
		{"bad provider", func(c *Config) { c.Relay.Provider = "smtp" }, "relay.provider"},
		{"shrink ratio", func(c *Config) { c.Capture.ShrinkRatio = 1 }, "shrink_ratio"},
		{"quality order", func(c *Config) { c.Capture.MinQuality = 0.9 }, "qualities"},
		{"floor above max", func(c *Config) { c.Capture.FloorWidth = 1000 }, "floor"},
		{"hardware url", func(c *Config) { c.Hardware.Enabled = true; c.Hardware.BaseURL = "" }, "hardware.base_url"},
		{"smoothing", func(c *Config) { f := 2.0; c.Hardware.SmoothingFactor = &f }, "smoothing_factor"},
		{"ws path", func(c *Config) { c.StateWS.Enabled = true; c.StateWS.Path = "ws" }, "statews.path"},
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
		{"hotkey", func(c *Config) { c.Hotkey.Combo = "s" }, "hotkey.combo"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if tt.want == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Validate() = %v, want mention of %q", tt.name, err, tt.want)
		}
	}
}

func TestValidateRecipients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recipients = []string{"a@example.com", "A@example.com"}
	if err := cfg.Validate(); !errors.Is(err, recipients.ErrDuplicate) {
		t.Errorf("duplicate: %v", err)
	}
	cfg.Recipients = []string{"nope"}
	if err := cfg.Validate(); !errors.Is(err, recipients.ErrInvalid) {
		t.Errorf("invalid: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/etc/clapguard.yaml"); got != "/etc/clapguard.yaml" {
		t.Errorf("flag path = %q", got)
	}
	t.Setenv("CLAPGUARD_CONFIG", "/tmp/env.yaml")
	if got := ResolvePath(""); got != "/tmp/env.yaml" {
		t.Errorf("env path = %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandPath("~/x.yaml"); got != filepath.Join(home, "x.yaml") {
		t.Errorf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/abs"); got != "/abs" {
		t.Errorf("ExpandPath = %q", got)
	}
}

func TestLoadEmptyConfigFile(t *testing.T) {
	cfg, err := LoadConfigFile(writeFile(t, "c.yaml", "# nothing yet\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Countdown.Seconds != 10 {
		t.Error("empty file should yield defaults")
	}
}

func TestBuilders(t *testing.T) {
	cfg := DefaultConfig()

	src, snap := cfg.CaptureSource()
	if _, ok := src.(*capture.Static); !ok || snap != nil {
		t.Errorf("source none = %T, %v", src, snap)
	}
	if w, h := src.Dimensions(); w != 0 || h != 0 {
		t.Errorf("empty static source dimensions = %dx%d", w, h)
	}

	cfg.Capture.Source = "file"
	cfg.Capture.Path = "/tmp/frame.jpg"
	src, _ = cfg.CaptureSource()
	if f, ok := src.(*capture.File); !ok || f.Path != "/tmp/frame.jpg" {
		t.Errorf("file source = %#v", src)
	}

	cfg.Capture.Source = "http"
	cfg.Capture.URL = "http://127.0.0.1:5002/snapshot.jpg"
	if _, snap := cfg.CaptureSource(); snap == nil {
		t.Error("http source should return the snapshot poller")
	}

	if _, ok := cfg.HardwareController().(hardware.Noop); !ok {
		t.Error("disabled hardware should be Noop")
	}
	cfg.Hardware.Enabled = true
	if c, ok := cfg.HardwareController().(*hardware.Client); !ok || c.BaseURL() != "http://localhost:5002" {
		t.Errorf("hardware controller = %T", cfg.HardwareController())
	}

	cfg.Relay.Provider = "log"
	tr, err := cfg.Transport()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(relay.LogOnly); !ok {
		t.Errorf("log provider = %T", tr)
	}

	cfg.Relay.Provider = "emailjs"
	if _, err := cfg.Transport(); err == nil {
		t.Error("emailjs without credentials should fail")
	}
	cfg.Relay.ServiceID, cfg.Relay.TemplateID, cfg.Relay.PublicKey = "svc", "tpl", "pub"
	if tr, err := cfg.Transport(); err != nil || tr.Name() != "emailjs" {
		t.Errorf("emailjs transport = %v, %v", tr, err)
	}
}

func TestHotkeyBinding(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.HotkeyBinding(); got != hotkey.DefaultBinding {
		t.Errorf("default binding = %+v", got)
	}
	cfg.Hotkey.Combo = "alt+shift+k"
	if got := cfg.HotkeyBinding(); got != (hotkey.Binding{Alt: true, Shift: true, Key: 'k'}) {
		t.Errorf("alt+shift+k = %+v", got)
	}
	cfg.Hotkey.Combo = "nonsense"
	if got := cfg.HotkeyBinding(); got != hotkey.DefaultBinding {
		t.Errorf("invalid combo should fall back, got %+v", got)
	}
}
