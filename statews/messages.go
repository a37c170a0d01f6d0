package statews

import (
	"time"

	"clapguard/dispatch"
	"clapguard/escalation"
	"clapguard/session"
)

const (
	TypeStateInit = "state_init"
	TypeState     = "state"
	TypeNotice    = "notice"
	TypeMic       = "mic"
	TypeLevel     = "level"
	TypeReply     = "reply"
)

// Inbound command types.
const (
	CommandAnswer = "answer"
	CommandSend   = "send"
	CommandReset  = "reset"
)

type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// StateData is the payload of "state" events.
type StateData struct {
	State             string     `json:"state"`
	Event             string     `json:"event,omitempty"`
	CountdownActive   bool       `json:"countdown_active"`
	SecondsRemaining  int        `json:"seconds_remaining"`
	ChallengeRequired bool       `json:"challenge_required"`
	ChallengeSolved   bool       `json:"challenge_solved"`
	Question          string     `json:"question,omitempty"`
	Flashing          bool       `json:"flashing"`
	AlertActive       bool       `json:"alert_active"`
	AlertSince        *time.Time `json:"alert_since,omitempty"`
	LastGesture       *time.Time `json:"last_gesture,omitempty"`
}

func StateFrom(ev escalation.Event, s escalation.Snapshot) StateData {
	d := StateData{
		State:             s.State.String(),
		CountdownActive:   s.Countdown.Active,
		SecondsRemaining:  s.Countdown.SecondsRemaining,
		ChallengeRequired: s.Countdown.ChallengeRequired,
		ChallengeSolved:   s.Countdown.ChallengeSolved,
		Question:          s.Question,
		Flashing:          s.Flashing,
		AlertActive:       s.Alert.Active,
		AlertSince:        optionalTime(s.Alert.Since),
		LastGesture:       optionalTime(s.LastGesture),
	}
	if ev != escalation.EventNone {
		d.Event = ev.String()
	}
	return d
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

type NoticeData struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

func NoticeFrom(n dispatch.Notice) NoticeData {
	return NoticeData{Kind: n.Kind.String(), Text: n.Text}
}

type MicData struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

func MicFrom(h session.Health, err error) MicData {
	d := MicData{Health: h.String()}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

// LevelData is the payload of "level" events, rate limited to one per
// levelCoalesceWindow.
type LevelData struct {
	Peak      float64 `json:"peak"`
	Threshold float64 `json:"threshold"`
	Pulse     bool    `json:"pulse"`
}

type initData struct {
	State  StateData  `json:"state"`
	Mic    MicData    `json:"mic"`
	Notice NoticeData `json:"notice"`
}

type ReplyData struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}
