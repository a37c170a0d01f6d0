// Package capture grabs still frames from a camera source and compresses
// them to fit the relay's payload ceiling.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"clapguard/log"
)

var ErrNotReady = errors.New("camera is not ready yet")

// Source is a live frame provider. Zero dimensions mean no frame is
// available yet.
type Source interface {
	Dimensions() (width, height int)
	Frame(ctx context.Context) (image.Image, error)
}

type Static struct {
	Image image.Image
}

func (s *Static) Dimensions() (int, int) {
	if s == nil || s.Image == nil {
		return 0, 0
	}
	b := s.Image.Bounds()
	return b.Dx(), b.Dy()
}

func (s *Static) Frame(context.Context) (image.Image, error) {
	if s == nil || s.Image == nil {
		return nil, ErrNotReady
	}
	return s.Image, nil
}

// File reads the frame from an image file that another process keeps
// up to date.
type File struct {
	Path string
}

func (f *File) Dimensions() (int, int) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return 0, 0
	}
	defer fh.Close()
	cfg, _, err := image.DecodeConfig(fh)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func (f *File) Frame(context.Context) (image.Image, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotReady
		}
		return nil, err
	}
	defer fh.Close()
	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return img, nil
}

// HTTPSnapshot polls a camera snapshot URL and keeps the newest frame.
type HTTPSnapshot struct {
	URL    string
	Client *http.Client

	mu     sync.Mutex
	latest image.Image
	err    error
}

func NewHTTPSnapshot(url string) *HTTPSnapshot {
	return &HTTPSnapshot{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (s *HTTPSnapshot) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return 0, 0
	}
	b := s.latest.Bounds()
	return b.Dx(), b.Dy()
}

func (s *HTTPSnapshot) Frame(context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, ErrNotReady
	}
	return s.latest, nil
}

func (s *HTTPSnapshot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Refresh fetches one frame.
func (s *HTTPSnapshot) Refresh(ctx context.Context) error {
	img, err := s.fetch(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	if err == nil {
		s.latest = img
	}
	return err
}

func (s *HTTPSnapshot) fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("snapshot %s: status %d", s.URL, resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.URL, err)
	}
	return img, nil
}

// Poll refreshes the frame every interval until ctx is done. Failures are
// logged once per change so an unplugged camera does not flood the log.
func (s *HTTPSnapshot) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastErr string
	for {
		err := s.Refresh(ctx)
		switch {
		case err != nil && err.Error() != lastErr && ctx.Err() == nil:
			log.Warnf("camera snapshot: %v", err)
			lastErr = err.Error()
		case err == nil && lastErr != "":
			log.Info("camera snapshot recovered")
			lastErr = ""
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
