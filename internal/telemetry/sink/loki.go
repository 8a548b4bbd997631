package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

// LokiJob is the job label on every pushed stream.
const LokiJob = "vr-telemetry"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// Loki label values: keep them to a conservative character set.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// LokiSink pushes each event of a batch as a log line, one stream per event type.
type LokiSink struct {
	baseURL string
	client  *http.Client
	nowF    func() time.Time
}

// NewLokiSink returns a sink for the Loki instance at baseURL (e.g. http://localhost:3100).
func NewLokiSink(baseURL string, timeout time.Duration) (*LokiSink, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("loki: base URL is empty")
	}
	return &LokiSink{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		nowF:    time.Now,
	}, nil
}

// Post decodes payload and pushes its events. path supplies the user_id and session_id labels.
func (s *LokiSink) Post(ctx context.Context, path string, payload []byte) error {
	batch, err := domain.Decode(payload)
	if err != nil {
		return fmt.Errorf("loki: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(s.buildRequest(path, batch))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/loki/api/v1/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

func (s *LokiSink) buildRequest(path string, batch domain.EventBatch) PushRequest {
	base := map[string]string{"job": LokiJob}
	if user, session, ok := ParsePath(path); ok {
		setLabel(base, "user_id", user)
		setLabel(base, "session_id", session)
	}
	var streams []Stream
	index := map[string]int{}
	for _, e := range batch {
		ts := e.Time()
		if ts.IsZero() {
			ts = s.nowF()
		}
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		i, ok := index[e.EventType]
		if !ok {
			labels := make(map[string]string, len(base)+1)
			for k, v := range base {
				labels[k] = v
			}
			setLabel(labels, "event_type", e.EventType)
			streams = append(streams, Stream{Stream: labels})
			i = len(streams) - 1
			index[e.EventType] = i
		}
		streams[i].Values = append(streams[i].Values, []string{strconv.FormatInt(ts.UnixNano(), 10), string(line)})
	}
	return PushRequest{Streams: streams}
}

func setLabel(labels map[string]string, key, value string) {
	if v := labelSanitize.ReplaceAllString(strings.TrimSpace(value), "_"); v != "" {
		labels[key] = v
	}
}
