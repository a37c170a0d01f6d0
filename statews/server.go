package statews

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"clapguard/log"
)

// Commands is the application side of inbound messages.
type Commands interface {
	Answer(input string) error
	Send() error
	Reset() error
}

type Config struct {
	Hub HubConfig
	// Describe turns a command error into the text sent back to the client.
	// Nil means err.Error().
	Describe func(error) string
}

const levelCoalesceWindow = 100 * time.Millisecond

type outbound struct {
	Type string
	Data any
	At   time.Time
}

type Server struct {
	hub      *Hub
	cmds     Commands
	describe func(error) string
	events   chan outbound

	mu     sync.Mutex
	state  StateData
	mic    MicData
	notice NoticeData
}

func NewServer(cmds Commands, cfg Config) *Server {
	describe := cfg.Describe
	if describe == nil {
		describe = func(err error) string { return err.Error() }
	}
	return &Server{
		hub:      NewHub(cfg.Hub),
		cmds:     cmds,
		describe: describe,
		events:   make(chan outbound, 256),
		state:    StateData{State: "idle"},
		mic:      MicData{Health: "initializing"},
		notice:   NoticeData{Kind: "clear"},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleWS)
}

// Run drives the hub and the broadcaster until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)
	s.broadcastLoop(ctx)
}

// ListenAndServe serves the feed on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	s.Register(mux, path)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("state feed listening on ws://%s%s", addr, path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) PublishState(st StateData) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.enqueue(outbound{Type: TypeState, Data: st})
}

func (s *Server) PublishNotice(n NoticeData) {
	s.mu.Lock()
	s.notice = n
	s.mu.Unlock()
	s.enqueue(outbound{Type: TypeNotice, Data: n})
}

func (s *Server) PublishMic(m MicData) {
	s.mu.Lock()
	s.mic = m
	s.mu.Unlock()
	s.enqueue(outbound{Type: TypeMic, Data: m})
}

// PublishLevel is called once per analysed audio frame; bursts are coalesced.
func (s *Server) PublishLevel(l LevelData) {
	s.enqueue(outbound{Type: TypeLevel, Data: l})
}

func (s *Server) enqueue(ev outbound) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
		if ev.Type != TypeLevel {
			log.Warnf("state feed queue full, dropping %s event", ev.Type)
		}
	}
}

func marshal(typ string, at time.Time, data any) ([]byte, error) {
	return json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
}

// broadcastLoop emits events in order, except "level" events which are
// latest-wins at most once per levelCoalesceWindow.
func (s *Server) broadcastLoop(ctx context.Context) {
	var pending *outbound
	var timer *time.Timer
	var timerCh <-chan time.Time

	emit := func(ev outbound) {
		msg, err := marshal(ev.Type, ev.At, ev.Data)
		if err != nil {
			log.Warnf("state feed marshal %s: %v", ev.Type, err)
			return
		}
		s.hub.BroadcastBytes(msg)
	}

	flush := func() {
		if pending != nil {
			emit(*pending)
			pending = nil
		}
	}

	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return

		case <-timerCh:
			flush()
			timer = nil
			timerCh = nil

		case ev := <-s.events:
			if ev.Type == TypeLevel {
				copyEv := ev
				pending = &copyEv
				if timer == nil {
					timer = time.NewTimer(levelCoalesceWindow)
					timerCh = timer.C
				}
				continue
			}
			flush()
			stopTimer()
			emit(ev)
		}
	}
}

var upgrader = websocket.Upgrader{
	// Local visual layers are served from file:// or other ports.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("ws upgrade failed: %v", err)
		return
	}

	client := NewClient(s.hub, conn, uuid.NewString(), r.RemoteAddr, s.handleCommand)

	// state_init is queued before registration so it is always the first frame.
	s.mu.Lock()
	snap := initData{State: s.state, Mic: s.mic, Notice: s.notice}
	s.mu.Unlock()
	if msg, err := marshal(TypeStateInit, time.Now().UTC(), snap); err == nil {
		client.enqueue(msg)
	} else {
		log.Warnf("state_init marshal: %v", err)
	}

	s.hub.register <- client

	// Pumps outlive the request; the hub and socket errors end them.
	go client.writePump(context.Background())
	go client.readPump(context.Background())
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// answerText accepts "42", 42 or 42.0 as the answer payload.
func answerText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(bytes.Trim(raw, `"`)))
}

func (s *Server) handleCommand(c *Client, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.reply(c, ReplyData{Message: "invalid message"})
		return
	}

	if s.cmds == nil {
		s.reply(c, ReplyData{Command: in.Type, Message: "commands are disabled"})
		return
	}

	var err error
	switch in.Type {
	case CommandAnswer:
		err = s.cmds.Answer(answerText(in.Data))
	case CommandSend:
		err = s.cmds.Send()
	case CommandReset:
		err = s.cmds.Reset()
	default:
		s.reply(c, ReplyData{Command: in.Type, Message: "unknown command"})
		return
	}

	if err != nil {
		log.Infof("ws command %s from %s failed: %v", in.Type, c.id, err)
		s.reply(c, ReplyData{Command: in.Type, Message: s.describe(err)})
		return
	}
	s.reply(c, ReplyData{Command: in.Type, OK: true})
}

func (s *Server) reply(c *Client, r ReplyData) {
	msg, err := marshal(TypeReply, time.Now().UTC(), r)
	if err != nil {
		return
	}
	c.enqueue(msg)
}
