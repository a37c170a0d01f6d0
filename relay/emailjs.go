package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	DefaultEmailJSURL = "https://api.emailjs.com/api/v1.0/email/send"
	DefaultImageField = "image"
)

type EmailJSConfig struct {
	APIURL     string
	ServiceID  string
	TemplateID string
	PublicKey  string
	PrivateKey string
	ImageField string
	Timeout    time.Duration
}

func (c EmailJSConfig) Validate() error {
	var missing []string
	if c.ServiceID == "" {
		missing = append(missing, "service id")
	}
	if c.TemplateID == "" {
		missing = append(missing, "template id")
	}
	if c.PublicKey == "" {
		missing = append(missing, "public key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("emailjs: missing %v", missing)
	}
	return nil
}

type EmailJS struct {
	cfg    EmailJSConfig
	client *TracedClient
}

func NewEmailJS(cfg EmailJSConfig) (*EmailJS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultEmailJSURL
	}
	if cfg.ImageField == "" {
		cfg.ImageField = DefaultImageField
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &EmailJS{cfg: cfg, client: NewTracedClient(cfg.APIURL, cfg.Timeout)}, nil
}

func (e *EmailJS) Name() string { return "emailjs" }

// Warm pre-connects to the relay.
func (e *EmailJS) Warm() { e.client.Warm() }

type emailJSRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	AccessToken    string            `json:"accessToken,omitempty"`
	TemplateParams map[string]string `json:"template_params"`
}

func (e *EmailJS) Send(ctx context.Context, msg Message) (*Result, error) {
	if msg.To == "" {
		return nil, errors.New("emailjs: empty recipient")
	}
	params := make(map[string]string, len(msg.Params)+2)
	for k, v := range msg.Params {
		params[k] = v
	}
	params["to_email"] = msg.To
	params[e.cfg.ImageField] = msg.ImageURI

	body, err := json.Marshal(emailJSRequest{
		ServiceID:      e.cfg.ServiceID,
		TemplateID:     e.cfg.TemplateID,
		UserID:         e.cfg.PublicKey,
		AccessToken:    e.cfg.PrivateKey,
		TemplateParams: params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newError(resp.StatusCode, resp.Body)
	}
	return &Result{Metrics: resp.Metrics}, nil
}
