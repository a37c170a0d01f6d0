//go:build integration

package test_test

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

var testBinary string

const sampleRate = 16000

func TestMain(m *testing.M) {
	testBinary = os.Getenv("CLAPGUARD_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "CLAPGUARD_TEST_BIN not set; point it at a built clapguard binary")
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// writeClapsWAV writes 16 kHz mono PCM with short decaying bursts every
// interval between start and end seconds, padded with silence to total.
func writeClapsWAV(t *testing.T, start, end, total float64, interval time.Duration) string {
	t.Helper()
	const headerSize = 44
	numSamples := int(float64(sampleRate) * total)
	samples := make([]int16, numSamples)
	step := interval.Seconds()
	for at := start; at <= end+1e-9; at += step {
		first := int(at * sampleRate)
		for i := 0; i < sampleRate/100 && first+i < numSamples; i++ {
			tt := float64(i) / sampleRate
			v := 0.85 * math.Sin(2*math.Pi*2000*tt) * math.Exp(-tt/0.002)
			samples[first+i] = int16(v * 32767)
		}
	}

	dataSize := numSamples * 2
	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], sampleRate*2)
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[headerSize+2*i:], uint16(s))
	}

	path := filepath.Join(t.TempDir(), "claps.wav")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeCameraPNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	path := filepath.Join(t.TempDir(), "camera.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func cmds(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

// baseArgs keeps runs hermetic: no user config, no beeps, no notifications.
func baseArgs(logDir string) []string {
	return []string{"-logpath", logDir, "-config", filepath.Join(logDir, "none.yaml"), "-beep=false"}
}

func writeEmptyConfig(t *testing.T, logDir string) {
	t.Helper()
	cfg := "notify:\n  desktop: false\n"
	if err := os.WriteFile(filepath.Join(logDir, "none.yaml"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
}

func runGuard(t *testing.T, stdin string, args ...string) (logDir, stdout string) {
	t.Helper()
	logDir = t.TempDir()
	writeEmptyConfig(t, logDir)
	cmd := exec.Command(testBinary, append(baseArgs(logDir), args...)...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = os.Environ()

	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("clapguard exited with error: %v\noutput: %s", err, out)
	}
	return logDir, string(out)
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func requireNoTimeout(t *testing.T, out string) {
	t.Helper()
	if strings.Contains(out, "TIMEOUT") {
		t.Fatalf("timed out:\n%s", out)
	}
}

// solve answers "CHALLENGE a op b = ?".
func solve(line string) (int, error) {
	f := strings.Fields(line)
	if len(f) < 4 {
		return 0, fmt.Errorf("bad challenge line %q", line)
	}
	a, err := strconv.Atoi(f[1])
	if err != nil {
		return 0, err
	}
	b, err := strconv.Atoi(f[3])
	if err != nil {
		return 0, err
	}
	switch f[2] {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "×":
		return a * b, nil
	}
	return 0, fmt.Errorf("unknown operator %q", f[2])
}

func TestChallengeDefusesCountdown(t *testing.T) {
	wav := writeClapsWAV(t, 0.5, 4.5, 8, 400*time.Millisecond)
	logDir := t.TempDir()
	writeEmptyConfig(t, logDir)

	cmd := exec.Command(testBinary, append(baseArgs(logDir), "-test", wav)...)
	cmd.Env = os.Environ()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer cmd.Process.Kill()

	io.WriteString(stdin, cmds("WAIT_EVENT challenge"))

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	deadline := time.After(30 * time.Second)
	var answered, defused bool
	for !defused {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("process exited before the countdown was defused")
			}
			switch {
			case strings.HasPrefix(line, "CHALLENGE ") && !answered:
				n, err := solve(line)
				if err != nil {
					t.Fatal(err)
				}
				io.WriteString(stdin, cmds("ANSWER "+strconv.Itoa(n), "WAIT_EVENT defused"))
				answered = true
			case strings.HasPrefix(line, "ANSWER error"):
				t.Fatalf("answer rejected: %s", line)
			case strings.HasPrefix(line, "TIMEOUT"):
				t.Fatal(line)
			case strings.HasPrefix(line, "STATE idle defused"):
				defused = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for the challenge flow")
		}
	}
	io.WriteString(stdin, cmds("QUIT"))
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		t.Fatalf("clapguard exited with error: %v", err)
	}

	diag := readLog(t, logDir, "diagnostics_log.txt")
	if !strings.Contains(diag, "challenge solved") {
		t.Error("expected the defuse transition in diagnostics")
	}
}

func TestSilenceCancelsCountdown(t *testing.T) {
	wav := writeClapsWAV(t, 0.5, 2.5, 8, 400*time.Millisecond)
	_, out := runGuard(t, cmds("WAIT_EVENT countdown_started", "WAIT_EVENT cancelled", "QUIT"),
		"-challenge=false", "-test", wav)
	requireNoTimeout(t, out)
	if !strings.Contains(out, "STATE idle cancelled") {
		t.Errorf("expected a silence cancel, got:\n%s", out)
	}
	if strings.Contains(out, "STATE alerted") {
		t.Errorf("countdown should not have alerted:\n%s", out)
	}
}

func TestAlertDeliversDryRun(t *testing.T) {
	wav := writeClapsWAV(t, 0.5, 4.0, 8, 400*time.Millisecond)
	camera := writeCameraPNG(t)
	logDir, out := runGuard(t, cmds("WAIT_EVENT alert", "SLEEP 1500", "QUIT"),
		"-challenge=false", "-countdown", "3", "-relay", "log", "-to", "guard@example.com",
		"-camera", "file", "-camera-path", camera, "-test", wav)
	requireNoTimeout(t, out)

	alerts := readLog(t, logDir, "alert_log.txt")
	if !strings.Contains(alerts, "dry-run delivery to guard@example.com") {
		t.Errorf("expected a dry-run delivery line, got:\n%s", alerts)
	}
	if !strings.Contains(out, "NOTICE sent") {
		t.Errorf("expected a sent notice, got:\n%s", out)
	}
}

func TestManualSendWithoutCamera(t *testing.T) {
	wav := writeClapsWAV(t, 10, 9, 2, 400*time.Millisecond) // silence only
	_, out := runGuard(t, cmds("SEND", "QUIT"),
		"-relay", "log", "-to", "guard@example.com", "-test", wav)
	if !strings.Contains(out, "SEND error Camera is not ready yet.") {
		t.Errorf("expected camera-not-ready, got:\n%s", out)
	}
}

func TestManualSendWithoutRecipients(t *testing.T) {
	wav := writeClapsWAV(t, 10, 9, 2, 400*time.Millisecond)
	_, out := runGuard(t, cmds("SEND", "QUIT"), "-relay", "log", "-test", wav)
	if !strings.Contains(out, "SEND error Add at least one recipient before sending.") {
		t.Errorf("expected no-recipients error, got:\n%s", out)
	}
}
