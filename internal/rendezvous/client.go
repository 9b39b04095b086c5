package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elmops/elm/internal/network"
)

var _ network.Signaler = (*HTTPSignaler)(nil)

// HTTPSignaler implements network.Signaler against a rendezvous board.
// Each poll only returns messages newer than the previous poll by the same
// local id.
type HTTPSignaler struct {
	base   string
	client *http.Client

	mu       sync.Mutex
	lastSeen map[string]string
}

func NewHTTPSignaler(baseURL string, client *http.Client) (*HTTPSignaler, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rendezvous url %q: must be absolute", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSignaler{
		base:     strings.TrimRight(baseURL, "/"),
		client:   client,
		lastSeen: make(map[string]string),
	}, nil
}

func (s *HTTPSignaler) PublishOffer(ctx context.Context, local, target, sdp string) error {
	return s.put(ctx, "offers", local, target, sdp)
}

func (s *HTTPSignaler) PublishAnswer(ctx context.Context, offerer, local, sdp string) error {
	return s.put(ctx, "answers", offerer, local, sdp)
}

func (s *HTTPSignaler) PollOffers(ctx context.Context, local string) ([]network.SignalMessage, error) {
	return s.poll(ctx, "offers", local)
}

func (s *HTTPSignaler) PollAnswers(ctx context.Context, local string) ([]network.SignalMessage, error) {
	return s.poll(ctx, "answers", local)
}

func (s *HTTPSignaler) put(ctx context.Context, kind, offerer, target, sdp string) error {
	body, err := json.Marshal(sdpPayload{SDP: sdp})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/%s/%s/%s", s.base, kind, url.PathEscape(offerer), url.PathEscape(target))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish %s: status %d", kind, resp.StatusCode)
	}
	return nil
}

func (s *HTTPSignaler) poll(ctx context.Context, kind, local string) ([]network.SignalMessage, error) {
	key := kind + ":" + local
	s.mu.Lock()
	since := s.lastSeen[key]
	s.mu.Unlock()

	endpoint := fmt.Sprintf("%s/%s/%s", s.base, kind, url.PathEscape(local))
	if since != "" {
		endpoint += "?since=" + url.QueryEscape(since)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll %s: status %d", kind, resp.StatusCode)
	}
	var out listResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4*maxSDPBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("poll %s: decode: %w", kind, err)
	}
	if n := len(out.Messages); n > 0 {
		s.mu.Lock()
		s.lastSeen[key] = out.Messages[n-1].Timestamp
		s.mu.Unlock()
	}
	return out.Messages, nil
}
