package main

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"clapguard/dispatch"
	"clapguard/escalation"
	"clapguard/session"
)

type fakeCommands struct {
	answers []string
	sends   int
	resets  int
	spins   int
	mics    int
	err     error
}

func (f *fakeCommands) Answer(input string) error {
	f.answers = append(f.answers, input)
	return f.err
}
func (f *fakeCommands) Send() error     { f.sends++; return f.err }
func (f *fakeCommands) Reset() error    { f.resets++; return f.err }
func (f *fakeCommands) SpinOnce() error { f.spins++; return f.err }
func (f *fakeCommands) Restart() error  { f.mics++; return f.err }

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press feeds a key and runs the resulting command, if any, back through
// Update.
func press(m tuiModel, k tea.KeyMsg) tuiModel {
	next, cmd := m.Update(k)
	m = next.(tuiModel)
	if cmd != nil {
		if msg, ok := cmd().(commandResultMsg); ok {
			next, _ = m.Update(msg)
			m = next.(tuiModel)
		}
	}
	return m
}

func challengeSnapshot() escalation.Snapshot {
	return escalation.Snapshot{
		State:     escalation.Countdown,
		Countdown: escalation.CountdownState{Active: true, SecondsRemaining: 7, ChallengeRequired: true},
		Question:  "7 + 5 = ?",
	}
}

func TestTUIAnswerInput(t *testing.T) {
	cmds := &fakeCommands{}
	m := newTUIModel(cmds, nil, false)
	next, _ := m.Update(StateMsg{Event: escalation.EventChallenge, Snapshot: challengeSnapshot()})
	m = next.(tuiModel)

	m = press(m, runes("1"))
	m = press(m, runes("3"))
	m = press(m, tea.KeyMsg{Type: tea.KeyBackspace})
	m = press(m, runes("2"))
	if m.input != "12" {
		t.Fatalf("input = %q, want 12", m.input)
	}
	m = press(m, tea.KeyMsg{Type: tea.KeyEnter})
	if len(cmds.answers) != 1 || cmds.answers[0] != "12" {
		t.Errorf("answers = %v", cmds.answers)
	}
	if m.input != "" {
		t.Errorf("input not cleared: %q", m.input)
	}
}

func TestTUIWrongAnswerShown(t *testing.T) {
	cmds := &fakeCommands{err: errors.New("wrong")}
	m := newTUIModel(cmds, func(error) string { return "Wrong answer, try again." }, false)
	next, _ := m.Update(StateMsg{Event: escalation.EventChallenge, Snapshot: challengeSnapshot()})
	m = next.(tuiModel)

	m = press(m, runes("9"))
	m = press(m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.answerErr != "Wrong answer, try again." {
		t.Errorf("answerErr = %q", m.answerErr)
	}
}

func TestTUILettersDuringChallengeStillWork(t *testing.T) {
	cmds := &fakeCommands{}
	m := newTUIModel(cmds, nil, false)
	next, _ := m.Update(StateMsg{Event: escalation.EventChallenge, Snapshot: challengeSnapshot()})
	m = next.(tuiModel)

	m = press(m, runes("r"))
	if cmds.resets != 1 {
		t.Errorf("resets = %d, want 1", cmds.resets)
	}
	if m.input != "" {
		t.Errorf("letter leaked into answer: %q", m.input)
	}
}

func TestTUIKeys(t *testing.T) {
	tests := []struct {
		key      string
		hardware bool
		check    func(*fakeCommands) int
		want     int
	}{
		{"s", false, func(f *fakeCommands) int { return f.sends }, 1},
		{"r", false, func(f *fakeCommands) int { return f.resets }, 1},
		{"m", false, func(f *fakeCommands) int { return f.mics }, 1},
		{"p", true, func(f *fakeCommands) int { return f.spins }, 1},
		{"p", false, func(f *fakeCommands) int { return f.spins }, 0},
		{"7", false, func(f *fakeCommands) int { return len(f.answers) }, 0},
	}
	for _, tt := range tests {
		cmds := &fakeCommands{}
		m := newTUIModel(cmds, nil, tt.hardware)
		press(m, runes(tt.key))
		if got := tt.check(cmds); got != tt.want {
			t.Errorf("key %q (hardware=%v): count = %d, want %d", tt.key, tt.hardware, got, tt.want)
		}
	}
}

func TestTUINilCommands(t *testing.T) {
	m := newTUIModel(nil, nil, true)
	for _, k := range []string{"s", "r", "m", "p"} {
		if _, cmd := m.Update(runes(k)); cmd != nil {
			t.Errorf("key %q returned a command with no backend", k)
		}
	}
}

func TestTUIQuit(t *testing.T) {
	m := newTUIModel(&fakeCommands{}, nil, false)
	_, cmd := m.Update(runes("q"))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestTUIView(t *testing.T) {
	m := newTUIModel(&fakeCommands{}, nil, false)
	if got := m.View(); got != "Loading..." {
		t.Errorf("View before size = %q", got)
	}

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(tuiModel)
	next, _ = m.Update(MicMsg{Health: session.Listening})
	m = next.(tuiModel)
	next, _ = m.Update(StateMsg{Event: escalation.EventChallenge, Snapshot: challengeSnapshot()})
	m = next.(tuiModel)
	next, _ = m.Update(NoticeMsg{Notice: dispatch.Notice{Kind: dispatch.NoticeError, Text: "Camera is not ready yet."}})
	m = next.(tuiModel)

	view := m.View()
	for _, want := range []string{"COUNTDOWN", "7 + 5 = ?", "mic listening", "Camera is not ready yet.", "Ctrl+Shift+S"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestLevelMeter(t *testing.T) {
	tests := []struct {
		level, threshold float64
		wantFill         int
	}{
		{0, 0.5, 0},
		{0.5, 0.9, 5},
		{2, 0.25, 9}, // threshold mark replaces one cell
	}
	for _, tt := range tests {
		bar := levelMeter(tt.level, tt.threshold, 10, false)
		if got := strings.Count(bar, "█"); got != tt.wantFill {
			t.Errorf("levelMeter(%v, %v) fill = %d, want %d", tt.level, tt.threshold, got, tt.wantFill)
		}
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  []string
	}{
		{"", 10, []string{""}},
		{"short", 10, []string{"short"}},
		{"Sent to 3 recipient(s).", 10, []string{"Sent to 3", "recipient(", "s)."}},
	}
	for _, tt := range tests {
		got := wrapText(tt.text, tt.width)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
		}
	}
}
