package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"clapguard/audio"
	"clapguard/beep"
	"clapguard/config"
	"clapguard/doctor"
	"clapguard/hotkey"
	"clapguard/log"
	"clapguard/relay"
	"clapguard/shutdown"
)

var version = "dev"

// holdThreshold separates a hotkey tap (send) from a hold (reset).
const holdThreshold = 800 * time.Millisecond

type options struct {
	configPath string
	logPath    string
	profile    string
	setup      bool
	doctor     bool
	version    bool
	crash      bool
	test       bool
	tui        bool
	args       []string

	overrides config.FlagOverrides
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("clapguard", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML config file (default: $CLAPGUARD_CONFIG, then the user config dir)")
	fs.StringVar(&o.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&o.profile, "profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	fs.BoolVar(&o.setup, "setup", false, "Select microphone device interactively")
	fs.BoolVar(&o.doctor, "doctor", false, "Run system diagnostics and exit")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.BoolVar(&o.crash, "crash", false, "Trigger synthetic panic for testing crash logging")
	fs.BoolVar(&o.test, "test", false, "Test mode (headless, stdin-driven, WAV file as microphone)")
	fs.BoolVar(&o.tui, "tui", true, "Run with terminal UI (false prints one line per event)")

	device := fs.String("device", "", "Use named microphone device")
	challenge := fs.Bool("challenge", true, "Ask an arithmetic question during the countdown")
	countdown := fs.Int("countdown", 10, "Countdown length in seconds")
	camera := fs.String("camera", "none", "Camera source: none, file or http")
	cameraPath := fs.String("camera-path", "", "Image file used when -camera=file")
	cameraURL := fs.String("camera-url", "", "Snapshot URL used when -camera=http")
	relayProvider := fs.String("relay", "emailjs", "Relay provider: emailjs or log (dry run)")
	to := fs.String("to", "", "Comma-separated recipients, replacing the configured list")
	hw := fs.Bool("hardware", false, "Drive the servo and face-tracking controller")
	hwURL := fs.String("hardware-url", "", "Hardware controller base URL")
	ws := fs.Bool("ws", false, "Serve the state feed over WebSocket")
	wsListen := fs.String("ws-listen", "", "State feed listen address")
	beepOn := fs.Bool("beep", true, "Play countdown and alert sounds")
	logLevel := fs.String("loglevel", "", "Diagnostics log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.args = fs.Args()

	// Only flags given explicitly override the config file.
	fs.Visit(func(f *flag.Flag) {
		ov := &o.overrides
		switch f.Name {
		case "device":
			ov.Device = device
		case "challenge":
			ov.ChallengeEnabled = challenge
		case "countdown":
			ov.CountdownSeconds = countdown
		case "camera":
			ov.CaptureSource = camera
		case "camera-path":
			ov.CapturePath = cameraPath
		case "camera-url":
			ov.CaptureURL = cameraURL
		case "relay":
			ov.RelayProvider = relayProvider
		case "to":
			ov.Recipients = to
		case "hardware":
			ov.HardwareEnabled = hw
		case "hardware-url":
			ov.HardwareURL = hwURL
		case "ws":
			ov.StateWSEnabled = ws
		case "ws-listen":
			ov.StateWSListen = wsListen
		case "beep":
			ov.Beep = beepOn
		case "logpath":
			ov.LogPath = &o.logPath
		case "loglevel":
			ov.LogLevel = logLevel
		}
	})
	return o, nil
}

// loadConfig layers defaults, the YAML file, .env and process environment,
// then flags, and validates the result.
func loadConfig(o options) (config.Config, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return config.Config{}, err
	}
	cfg := config.DefaultConfig()
	if path := config.ResolvePath(o.configPath); path != "" {
		c, err := config.LoadConfigFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = c
	}
	cfg.ApplyEnv()
	o.overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

// transportFor builds the relay. Incomplete relay settings do not stop the
// app; sends fail with an explanation instead.
func transportFor(cfg config.Config) relay.Transport {
	t, err := cfg.Transport()
	if err != nil {
		log.Warnf("relay unavailable: %v", err)
		return relay.Unavailable{Err: err}
	}
	if w, ok := t.(interface{ Warm() }); ok {
		go w.Warm()
	}
	return t
}

func resolveDevice(actx audio.Context, cfg config.Config, setup bool) *audio.DeviceInfo {
	if setup {
		dev, err := audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			return nil
		}
		return dev
	}
	if cfg.Audio.Device == "" {
		return nil
	}
	dev, err := audio.FindDevice(actx, cfg.Audio.Device)
	if err != nil {
		log.Warnf("device %q: %v, using system default", cfg.Audio.Device, err)
		return nil
	}
	return dev
}

func run() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.version {
		fmt.Printf("clapguard %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logPath, err := log.ResolveDir(cfg.Logging.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if opts.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", opts.profile)
			if err := http.ListenAndServe(opts.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if opts.crash {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	if err := log.SetLevel(cfg.Logging.Level); err != nil {
		log.Warnf("log level: %v", err)
	}
	log.Infof("clapguard %s config: %+v", version, cfg.Redacted())

	if cfg.Audio.Beep {
		beep.Init()
	} else {
		beep.Disable()
	}

	if opts.doctor {
		os.Exit(doctor.Run(cfg))
	}

	if opts.test {
		if len(opts.args) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: clapguard -test <wav-file>")
			os.Exit(1)
		}
		code := runTestMode(cfg, opts.args[0], os.Stdin, os.Stdout)
		log.Close()
		os.Exit(code)
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Printf("Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	source, snap := cfg.CaptureSource()
	var sink EventSink = newLineSink(os.Stdout)
	if opts.tui {
		sink = tuiSink{}
	}

	a, err := newApp(cfg, appDeps{
		Audio:     actx,
		Device:    resolveDevice(actx, cfg, opts.setup),
		Source:    source,
		Snapshot:  snap,
		Transport: transportFor(cfg),
		Hardware:  cfg.HardwareController(),
		Sink:      sink,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	var tuiDone chan struct{}
	if opts.tui {
		tuiMu.Lock()
		m := newTUIModel(a, describeError, cfg.Hardware.Enabled)
		m.hotkeyLabel = cfg.HotkeyBinding().String()
		tuiProgram = NewTUIProgram(m)
		p := tuiProgram
		tuiMu.Unlock()

		tuiDone = make(chan struct{})
		go func() {
			defer close(tuiDone)
			if _, err := p.Run(); err != nil {
				log.Errorf("TUI error: %v", err)
			}
		}()
	}

	if err := a.Start(ctx); err != nil && !opts.tui {
		fmt.Fprintf(os.Stderr, "Microphone error: %s\n", audio.UserMessage(err))
	}

	binding := cfg.HotkeyBinding()
	hk := hotkey.New(binding)
	if err := hk.Register(); err != nil {
		log.Warnf("hotkey %s unavailable: %v", binding, err)
	} else {
		defer hk.Unregister()
		go handleHotkey(ctx, a, hotkey.NewTrigger(ctx, hk, holdThreshold))
	}

	if tuiDone != nil {
		select {
		case <-tuiDone:
		case <-ctx.Done():
			tuiMu.Lock()
			tuiProgram.Quit()
			tuiMu.Unlock()
			<-tuiDone
		}
	} else {
		<-ctx.Done()
	}

	a.Stop()
}

func handleHotkey(ctx context.Context, a *app, t *hotkey.Trigger) {
	for {
		select {
		case <-ctx.Done():
			return
		case act := <-t.Actions():
			log.Infof("hotkey action: %s", act)
			switch act {
			case hotkey.ActionSend:
				go func() {
					if err := a.Send(); err != nil {
						log.Warnf("manual send: %v", err)
					}
				}()
			case hotkey.ActionReset:
				if err := a.Reset(); err != nil {
					log.Infof("hotkey reset: %v", err)
				}
			}
		}
	}
}
