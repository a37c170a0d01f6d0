package main

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"clapguard/audio"
	"clapguard/dispatch"
	"clapguard/escalation"
	"clapguard/hotkey"
	"clapguard/rhythm"
	"clapguard/session"
)

type StateMsg struct {
	Event    escalation.Event
	Snapshot escalation.Snapshot
}
type NoticeMsg struct{ Notice dispatch.Notice }
type MicMsg struct {
	Health session.Health
	Err    error
}
type LevelMsg struct {
	Peak      float64
	Threshold float64
	Pulse     bool
}
type DeviceLineMsg struct{ Text string }
type commandResultMsg struct {
	Command string
	Err     error
}
type tickMsg time.Time

// tuiCommands is what the keyboard can trigger.
type tuiCommands interface {
	Answer(input string) error
	Send() error
	Reset() error
	SpinOnce() error
	Restart() error
}

type tuiModel struct {
	cmds     tuiCommands
	describe func(error) string

	frame         int
	width, height int

	snap       escalation.Snapshot
	lastEvent  escalation.Event
	notice     dispatch.Notice
	mic        session.Health
	micErr     error
	deviceLine string

	level     float64 // smoothed peak
	threshold float64
	pulseAt   int // frame of the last pulse

	input     string
	answerErr string
	status    string

	hardware    bool
	hotkeyLabel string
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

// Pre-computed pixel styles to avoid allocations in render loop
var (
	pixelColorsArmed = []string{"", "226", "220", "214", "208", "196", "160", "124", "88", "52", "236", "236", "236", "236", "255", "249"}
	pixelColorsIdle  = []string{"", "231", "224", "217", "210", "160", "124", "88", "52", "236", "236", "236", "236", "236", "255", "249"}
	pixelStylesArmed [16]lipgloss.Style
	pixelStylesIdle  [16]lipgloss.Style
	pixelBgArmed     [16][16]lipgloss.Style
	pixelBgIdle      [16][16]lipgloss.Style
)

func init() {
	buildPixelStyles(pixelColorsArmed, &pixelStylesArmed, &pixelBgArmed)
	buildPixelStyles(pixelColorsIdle, &pixelStylesIdle, &pixelBgIdle)
}

func buildPixelStyles(colors []string, fg *[16]lipgloss.Style, bg *[16][16]lipgloss.Style) {
	for i, c := range colors {
		if c != "" {
			fg[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
		}
	}
	for i, f := range colors {
		for j, b := range colors {
			if f != "" && b != "" {
				bg[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(f)).Background(lipgloss.Color(b))
			}
		}
	}
}

var (
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleHelp    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	styleHelpKey = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleErr     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleAlert   = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Background(lipgloss.Color("160")).Bold(true)
	styleBanner  = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	styleFlash   = lipgloss.NewStyle().Foreground(lipgloss.Color("16")).Background(lipgloss.Color("226")).Bold(true)
	styleQuest   = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
)

func newTUIModel(cmds tuiCommands, describe func(error) string, hardware bool) tuiModel {
	if describe == nil {
		describe = func(err error) string { return err.Error() }
	}
	return tuiModel{
		cmds:        cmds,
		describe:    describe,
		hardware:    hardware,
		hotkeyLabel: hotkey.DefaultBinding.String(),
	}
}

func NewTUIProgram(m tuiModel) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// tuiSink forwards events to the running program.
type tuiSink struct{}

func (tuiSink) State(ev escalation.Event, snap escalation.Snapshot) {
	tuiSend(StateMsg{Event: ev, Snapshot: snap})
}
func (tuiSink) Notice(n dispatch.Notice)        { tuiSend(NoticeMsg{Notice: n}) }
func (tuiSink) Mic(h session.Health, err error) { tuiSend(MicMsg{Health: h, Err: err}) }
func (tuiSink) Level(r rhythm.Result) {
	tuiSend(LevelMsg{Peak: r.Peak, Threshold: r.Threshold, Pulse: r.Pulse})
}
func (tuiSink) DeviceLine(text string) { tuiSend(DeviceLineMsg{Text: text}) }

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

// challengeOpen reports whether typed digits go to the answer field.
func (m tuiModel) challengeOpen() bool {
	return m.snap.Countdown.Active && m.snap.Question != "" && !m.snap.Countdown.ChallengeSolved
}

func (m tuiModel) run(name string, fn func(tuiCommands) error) tea.Cmd {
	cmds := m.cmds
	if cmds == nil {
		return nil
	}
	return func() tea.Msg {
		return commandResultMsg{Command: name, Err: fn(cmds)}
	}
}

func answerRunes(input string, runes []rune) (string, bool) {
	for _, r := range runes {
		switch {
		case r >= '0' && r <= '9', r == '.':
		case r == '-' && input == "":
		default:
			return input, false
		}
		input += string(r)
	}
	return input, true
}

func (m tuiModel) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := k.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}

	if m.challengeOpen() {
		switch k.Type {
		case tea.KeyEnter:
			input := m.input
			m.input = ""
			return m, m.run("answer", func(c tuiCommands) error { return c.Answer(input) })
		case tea.KeyBackspace:
			if n := len(m.input); n > 0 {
				m.input = m.input[:n-1]
			}
			return m, nil
		case tea.KeyEsc:
			m.input = ""
			return m, nil
		case tea.KeyRunes:
			if input, ok := answerRunes(m.input, k.Runes); ok {
				m.input = input
				m.answerErr = ""
				return m, nil
			}
		}
	}

	switch key {
	case "q":
		return m, tea.Quit
	case "s":
		m.status = "sending..."
		return m, m.run("send", tuiCommands.Send)
	case "r":
		return m, m.run("reset", tuiCommands.Reset)
	case "p":
		if m.hardware {
			return m, m.run("spin", tuiCommands.SpinOnce)
		}
	case "m":
		return m, m.run("mic", tuiCommands.Restart)
	}
	return m, nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.frame++
		m.level *= 0.85
		return m, tuiTick()

	case StateMsg:
		m.snap = msg.Snapshot
		m.lastEvent = msg.Event
		switch msg.Event {
		case escalation.EventChallenge, escalation.EventCountdownStarted:
			m.input = ""
			m.answerErr = ""
		case escalation.EventDefused:
			m.status = "defused"
			m.input = ""
		case escalation.EventCancelled:
			m.status = "countdown cancelled"
		case escalation.EventExpired:
			m.status = "countdown expired quietly"
		case escalation.EventReset:
			m.status = "reset"
			m.input = ""
		}

	case NoticeMsg:
		m.notice = msg.Notice
		if msg.Notice.Kind != dispatch.NoticeSending {
			m.status = ""
		}

	case MicMsg:
		m.mic = msg.Health
		m.micErr = msg.Err

	case LevelMsg:
		if msg.Peak > m.level {
			m.level = msg.Peak
		}
		m.threshold = msg.Threshold
		if msg.Pulse {
			m.pulseAt = m.frame
		}

	case DeviceLineMsg:
		m.deviceLine = msg.Text

	case commandResultMsg:
		switch {
		case msg.Err == nil && msg.Command == "answer":
			m.answerErr = ""
		case msg.Err == nil:
		case msg.Command == "answer":
			m.answerErr = m.describe(msg.Err)
		default:
			m.status = m.describe(msg.Err)
		}
		if msg.Command == "send" && msg.Err == nil {
			m.status = ""
		}
	}
	return m, nil
}

func (m tuiModel) statusLine() string {
	s := m.snap
	switch {
	case s.Alert.Active:
		return styleAlert.Render(" ALERT ") + " " + styleErr.Render("since "+s.Alert.Since.Format("15:04:05"))
	case s.Countdown.Active:
		text := fmt.Sprintf(" COUNTDOWN %2ds ", s.Countdown.SecondsRemaining)
		if s.Flashing && m.frame%8 < 4 {
			return styleFlash.Render(text)
		}
		return styleBanner.Render(text)
	default:
		return styleDim.Render("○ LISTENING")
	}
}

func (m tuiModel) micLine() string {
	switch m.mic {
	case session.Listening:
		return styleOK.Render("● mic listening")
	case session.Failed:
		msg := "mic error"
		if m.micErr != nil {
			msg += ": " + audio.UserMessage(m.micErr)
		}
		return styleErr.Render("● " + msg)
	default:
		return styleDim.Render("● mic initializing")
	}
}

func (m tuiModel) noticeLine() (string, lipgloss.Style) {
	n := m.notice
	switch n.Kind {
	case dispatch.NoticeSending:
		return n.Text, styleWarn
	case dispatch.NoticeSent:
		return "✓ " + n.Text, styleOK
	case dispatch.NoticeWarning:
		return "⚠ " + n.Text, styleWarn
	case dispatch.NoticeError:
		return "✗ " + n.Text, styleErr
	}
	return "", styleDim
}

// levelMeter renders the smoothed peak against the adaptive threshold.
func levelMeter(level, threshold float64, width int, pulse bool) string {
	if width < 4 {
		width = 4
	}
	scale := func(v float64) int {
		n := int(math.Round(math.Min(v, 1) * float64(width)))
		return max(0, min(n, width))
	}
	fill := scale(level)
	mark := scale(threshold)
	var b strings.Builder
	for i := 0; i < width; i++ {
		switch {
		case i == mark && mark < width:
			b.WriteString("|")
		case i < fill:
			b.WriteString("█")
		default:
			b.WriteString("·")
		}
	}
	bar := b.String()
	if pulse {
		return styleWarn.Render(bar)
	}
	return styleDim.Render(bar)
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const eyeWidth = 45
	armed := m.snap.Countdown.Active || m.snap.Alert.Active
	eye := renderHALEye(m.frame, m.level, armed)

	var info []string
	info = append(info, m.statusLine())
	info = append(info, levelMeter(m.level, m.threshold, 30, m.frame-m.pulseAt < 3 && m.pulseAt > 0))
	info = append(info, m.micLine())
	if m.deviceLine != "" {
		info = append(info, styleDim.Render(m.deviceLine))
	}
	info = append(info, "")
	info = append(info,
		styleHelpKey.Render(m.hotkeyLabel)+styleHelp.Render(" tap send, hold reset"),
		styleHelpKey.Render("s")+styleHelp.Render(" send  ")+
			styleHelpKey.Render("r")+styleHelp.Render(" reset  ")+
			styleHelpKey.Render("m")+styleHelp.Render(" mic  ")+
			styleHelpKey.Render("q")+styleHelp.Render(" quit"),
	)
	if m.hardware {
		info = append(info, styleHelpKey.Render("p")+styleHelp.Render(" spin camera"))
	}
	info = append(info, styleHelp.Render("clapguard "+version))

	for _, line := range info {
		eye += line + "\n"
	}
	eyeLines := strings.Split(eye, "\n")

	panelWidth := m.width - eyeWidth - 1
	if panelWidth < 20 {
		panelWidth = 20
	}
	wrapWidth := panelWidth - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}

	var panel strings.Builder
	if m.challengeOpen() {
		panel.WriteString(styleDim.Render("Solve to cancel the alert:") + "\n\n")
		panel.WriteString(styleQuest.Render(m.snap.Question) + "\n\n")
		cursor := " "
		if m.frame%10 < 5 {
			cursor = "_"
		}
		panel.WriteString("> " + m.input + cursor + "\n")
		if m.answerErr != "" {
			panel.WriteString(styleErr.Render(m.answerErr) + "\n")
		}
		panel.WriteString("\n")
	} else if m.snap.Countdown.Active {
		panel.WriteString(styleBanner.Render("Clapping detected.") + "\n")
		panel.WriteString(styleDim.Render("Stay quiet to cancel, or press r.") + "\n\n")
	} else if m.snap.Alert.Active {
		panel.WriteString(styleErr.Render("Alert sent to your recipients.") + "\n")
		panel.WriteString(styleDim.Render("Press r to clear.") + "\n\n")
	}

	if text, style := m.noticeLine(); text != "" {
		for _, l := range wrapText(text, wrapWidth) {
			panel.WriteString(style.Render(l) + "\n")
		}
	}
	if m.status != "" {
		for _, l := range wrapText(m.status, wrapWidth) {
			panel.WriteString(styleDim.Render(l) + "\n")
		}
	}

	rightPanel := lipgloss.NewStyle().
		Width(panelWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(panel.String())

	// Pad eye panel to full height (eye at top)
	eyePadded := make([]string, m.height)
	for i := range eyePadded {
		if i < len(eyeLines) {
			eyePadded[i] = eyeLines[i]
		} else {
			eyePadded[i] = strings.Repeat(" ", eyeWidth-1)
		}
	}

	eyePanel := lipgloss.NewStyle().
		Width(eyeWidth - 1).
		Height(m.height).
		Render(strings.Join(eyePadded, "\n"))

	return lipgloss.JoinHorizontal(lipgloss.Top, eyePanel, rightPanel)
}

func renderHALEye(frame int, level float64, armed bool) string {
	const charsW = 44
	const charsH = 15
	const pixW = charsW
	const pixH = charsH * 2

	centerX := float64(pixW) / 2
	centerY := float64(pixH) / 2

	var breathe float64
	if armed {
		breathe = math.Sin(float64(frame)*0.10)*0.03 + level*10.0 - 0.05
	} else {
		breathe = math.Sin(float64(frame)*0.08)*0.02 + level*2.0 - 0.05
	}

	pixels := make([][]int, pixH)
	for i := range pixels {
		pixels[i] = make([]int, pixW)
	}

	type ring struct {
		radius     float64
		breatheAmt float64
		colorIdx   int
	}

	rings := []ring{
		{0.6, 0.10, 1},
		{1.3, 0.12, 2},
		{2.0, 0.15, 3},
		{2.8, 0.35, 4}, // red rings react most
		{3.5, 0.40, 5},
		{4.2, 0.38, 6},
		{5.0, 0.30, 7},
		{5.8, 0.15, 8},
		{6.5, 0.03, 9},
		{7.2, 0.0, 10},
		{8.0, 0.0, 11},
		{10.0, 0.0, 12},
		{12.0, 0.0, 13},
	}

	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range rings {
				radius := r.radius + breathe*r.breatheAmt*20
				if radius > 10.0 {
					radius = 10.0
				}
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
		}
	}

	// Glass reflections
	type spot struct {
		ox, oy float64
		radius float64
		color  int
	}
	dSide := 9.0
	dSide2 := 7.2
	dTop := 10.0
	dTop2 := 8.2
	spots := []spot{
		{-dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{-dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -dTop, 0.8, 14},
		{0, -dTop2, 0.6, 15},
		{dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -2.0, 0.6, 14},
	}
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			px := float64(x) - centerX
			py := float64(y) - centerY
			for _, s := range spots {
				dx := px - s.ox
				dy := py - s.oy
				rLen := math.Sqrt(s.ox*s.ox + s.oy*s.oy)
				if rLen < 0.001 {
					rLen = 1
				}
				tx, ty := -s.oy/rLen, s.ox/rLen
				dt := dx*tx + dy*ty
				dn := dx*(-ty) + dy*tx
				if (dt*dt)/9.0+dn*dn < s.radius*s.radius {
					pixels[y][x] = s.color
				}
			}
		}
	}

	var styles *[16]lipgloss.Style
	var bgStyles *[16][16]lipgloss.Style
	if armed {
		styles = &pixelStylesArmed
		bgStyles = &pixelBgArmed
	} else {
		styles = &pixelStylesIdle
		bgStyles = &pixelBgIdle
	}

	var result strings.Builder
	for cy := 0; cy < charsH; cy++ {
		for cx := 0; cx < charsW; cx++ {
			topY := cy * 2
			botY := cy*2 + 1
			top := 0
			bot := 0
			if topY < pixH {
				top = pixels[topY][cx]
			}
			if botY < pixH {
				bot = pixels[botY][cx]
			}
			if top == 0 && bot == 0 {
				result.WriteString(" ")
			} else if top == bot {
				result.WriteString(styles[top].Render("█"))
			} else if top != 0 && bot == 0 {
				result.WriteString(styles[top].Render("▀"))
			} else if top == 0 && bot != 0 {
				result.WriteString(styles[bot].Render("▄"))
			} else {
				result.WriteString(bgStyles[top][bot].Render("▀"))
			}
		}
		result.WriteString("\n")
	}
	return result.String()
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
