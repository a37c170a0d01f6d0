package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog   zerolog.Logger
	diagFile  *os.File
	alertFile *os.File
	logMu     sync.Mutex
	logReady  bool
	pid       int
	dir       string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: CLAPGUARD_LOG_PATH environment variable
	if envPath := os.Getenv("CLAPGUARD_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagFile, err = os.OpenFile(filepath.Join(dir, "diagnostics_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	alertFile, err = os.OpenFile(filepath.Join(dir, "alert_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if alertFile != nil {
		alertFile.Close()
		alertFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// AlertLine appends one human-readable line to alert_log.txt.
func AlertLine(text string) {
	logMu.Lock()
	defer logMu.Unlock()
	if !logReady || alertFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	alertFile.WriteString(line)
}

func Transition(from, to, reason string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("transition")
}

func Gesture(meanMs, jitterMs float64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("mean_ms", meanMs).
		Float64("jitter_ms", jitterMs).
		Msg("gesture")
}

type CompressionMetrics struct {
	SourceWidth  int
	SourceHeight int
	Width        int
	Height       int
	Quality      float64
	Attempts     int
	Bytes        int
	Budget       int
	EncodeMs     float64
}

func Compression(m CompressionMetrics) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("source", fmt.Sprintf("%dx%d", m.SourceWidth, m.SourceHeight)).
		Str("output", fmt.Sprintf("%dx%d", m.Width, m.Height)).
		Float64("quality", m.Quality).
		Int("attempts", m.Attempts).
		Int("bytes", m.Bytes).
		Int("budget", m.Budget).
		Float64("encode_ms", m.EncodeMs).
		Msg("compression")
}

type DeliveryMetrics struct {
	BatchID    string
	Recipients int
	Alert      bool
	PayloadKB  float64
	DNSMs      float64
	TLSMs      float64
	TTFBMs     float64
	TotalMs    float64
	ConnReused bool
	Err        error
}

func Delivery(m DeliveryMetrics) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	ev := diagLog.Info()
	if m.Err != nil {
		ev = diagLog.Error().Err(m.Err)
	}
	ev.Str("batch", m.BatchID).
		Int("recipients", m.Recipients).
		Bool("alert", m.Alert).
		Str("conn", connStatus).
		Float64("payload_kb", m.PayloadKB).
		Float64("dns_ms", m.DNSMs).
		Float64("tls_ms", m.TLSMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Msg("delivery")
}

func SessionStart(id, device string, challenge bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("device", device).
		Bool("challenge", challenge).
		Msg("session_start")
}

func SessionEnd(id string, gestures, alerts int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Int("gestures", gestures).
		Int("alerts", alerts).
		Msg("session_end")
}

// SetLevel filters the diagnostics log (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
