package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestEmailJSSend(t *testing.T) {
	var got emailJSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	e, err := NewEmailJS(EmailJSConfig{
		APIURL:     srv.URL,
		ServiceID:  "svc",
		TemplateID: "tpl",
		PublicKey:  "pub",
		PrivateKey: "priv",
		ImageField: "snapshot",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Send(context.Background(), Message{
		To:       "a@example.com",
		ImageURI: "data:image/jpeg;base64,AAAA",
		Params:   map[string]string{"reason": "alert"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics == nil || res.Metrics.Total <= 0 {
		t.Error("expected network metrics")
	}
	if got.ServiceID != "svc" || got.TemplateID != "tpl" || got.UserID != "pub" || got.AccessToken != "priv" {
		t.Errorf("request = %+v", got)
	}
	p := got.TemplateParams
	if p["to_email"] != "a@example.com" || p["snapshot"] != "data:image/jpeg;base64,AAAA" || p["reason"] != "alert" {
		t.Errorf("template params = %v", p)
	}
}

func TestEmailJSErrorVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("The Public Key is invalid\n"))
	}))
	defer srv.Close()

	e, err := NewEmailJS(EmailJSConfig{APIURL: srv.URL, ServiceID: "s", TemplateID: "t", PublicKey: "p"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Send(context.Background(), Message{To: "a@example.com"})
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("Send() = %v, want *Error", err)
	}
	if rerr.Status != http.StatusBadRequest || rerr.Message != "The Public Key is invalid" {
		t.Errorf("error = %+v", rerr)
	}
}

func TestEmailJSConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  EmailJSConfig
		ok   bool
	}{
		{"complete", EmailJSConfig{ServiceID: "s", TemplateID: "t", PublicKey: "p"}, true},
		{"no service", EmailJSConfig{TemplateID: "t", PublicKey: "p"}, false},
		{"no template", EmailJSConfig{ServiceID: "s", PublicKey: "p"}, false},
		{"no key", EmailJSConfig{ServiceID: "s", TemplateID: "t"}, false},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v", tt.name, err)
		}
	}
}

func TestEmailJSEmptyRecipient(t *testing.T) {
	e, err := NewEmailJS(EmailJSConfig{APIURL: "http://127.0.0.1:1", ServiceID: "s", TemplateID: "t", PublicKey: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Send(context.Background(), Message{}); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestFakeRecordsAndFails(t *testing.T) {
	f := NewFake(nil)
	f.Send(context.Background(), Message{To: "a@example.com"})
	f.Send(context.Background(), Message{To: "b@example.com"})
	if f.Calls() != 2 || f.Sent()[1].To != "b@example.com" {
		t.Errorf("sent = %+v", f.Sent())
	}

	boom := errors.New("boom")
	f = NewFake(boom)
	if _, err := f.Send(context.Background(), Message{To: "a@example.com"}); !errors.Is(err, boom) {
		t.Errorf("Send() = %v", err)
	}
}

func TestFakeDelayHonoursContext(t *testing.T) {
	f := &Fake{Delay: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Send(ctx, Message{To: "a@example.com"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() = %v", err)
	}
}

func TestLogOnly(t *testing.T) {
	var tr Transport = LogOnly{}
	if tr.Name() != "log" {
		t.Errorf("Name() = %q", tr.Name())
	}
	if _, err := tr.Send(context.Background(), Message{To: "a@b.co", ImageURI: "data:image/jpeg;base64,AAAA"}); err != nil {
		t.Errorf("Send: %v", err)
	}
	if _, err := tr.Send(context.Background(), Message{}); err == nil {
		t.Error("expected error for empty recipient")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Send(ctx, Message{To: "a@b.co"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestUnavailable(t *testing.T) {
	var tr Transport = Unavailable{Err: errors.New("emailjs: missing [public key]")}
	_, err := tr.Send(context.Background(), Message{To: "a@b.co"})
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("Send error = %v, want *Error", err)
	}
	if rerr.Message != "Email relay is not configured: emailjs: missing [public key]" {
		t.Errorf("Message = %q", rerr.Message)
	}
}

func TestNewErrorTrimsOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", maxErrorLen-1) + "é" + "tail"
	e := newError(400, []byte(body))
	if !utf8.ValidString(e.Message) {
		t.Fatalf("message is not valid UTF-8: %q", e.Message[len(e.Message)-4:])
	}
	if want := strings.Repeat("a", maxErrorLen-1); e.Message != want {
		t.Errorf("message length = %d, want %d", len(e.Message), len(want))
	}

	short := newError(500, []byte("  Kontingent überschritten  "))
	if short.Message != "Kontingent überschritten" {
		t.Errorf("short message = %q", short.Message)
	}
}
