package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FirebaseSink posts batches to a Firebase Realtime Database over its REST API.
type FirebaseSink struct {
	baseURL string
	client  *http.Client
}

// NewFirebaseSink returns a sink for the database at baseURL (e.g. https://<db>.firebasedatabase.app/).
// timeout bounds each request; a zero timeout leaves the request bounded only by its context.
func NewFirebaseSink(baseURL string, timeout time.Duration) (*FirebaseSink, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("firebase: base URL is empty")
	}
	return &FirebaseSink{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *FirebaseSink) url(path string) string {
	return s.baseURL + "/" + strings.TrimPrefix(path, "/")
}

// Post sends payload with HTTP POST to {baseURL}/{path}. Any non-2xx response is an error.
func (s *FirebaseSink) Post(ctx context.Context, path string, payload []byte) error {
	if path == "" || len(payload) == 0 {
		return errors.New("firebase: path and payload must not be empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("firebase: post returned %s", resp.Status)
	}
	return nil
}

// Get reads the JSON stored at path. Used to verify uploads from tooling.
func (s *FirebaseSink) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("firebase: get returned %s", resp.Status)
	}
	return body, nil
}
