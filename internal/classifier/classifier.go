// Package classifier wraps the pretrained audio-event oracle. The model
// runs as a local inference sidecar; this package owns the single
// process-wide handle to it. Construct one Classifier per process, pass
// it by reference into the pipeline, and release it explicitly with
// Close — there is no shared module state.
package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// DefaultThreshold is the acceptance floor: candidate events below this
// probability are discarded by the oracle (and defensively re-filtered
// here).
const DefaultThreshold = 0.1

// Event is one raw candidate detection from the oracle, relative to the
// start of the analysed segment. Events are transient: they always pass
// through deduplication before anything is persisted.
type Event struct {
	Offset      time.Duration
	Probability float64
	ClassID     int
	ClassName   string
}

// Classifier is the explicit inference handle. It is not safe for
// concurrent Analyze calls: the pipeline is strictly
// sequential so that at most one segment's buffers are alive at a time.
type Classifier struct {
	endpoint  string
	threshold float64
	client    *http.Client
	closed    bool
}

// ErrClosed is returned by Analyze after Close.
var ErrClosed = errors.New("classifier handle is closed")

// New constructs the process-wide classifier handle against the oracle
// sidecar at endpoint. threshold <= 0 selects DefaultThreshold.
func New(endpoint string, threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Classifier{
		endpoint:  endpoint,
		threshold: threshold,
		// Inference on a 2h segment is slow; allow generous headroom.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Threshold returns the acceptance floor in use.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

type analyzeRequest struct {
	AudioPath      string  `json:"audio_path"`
	MinProbability float64 `json:"min_probability"`
}

type analyzeResponse struct {
	Events []struct {
		OffsetSeconds float64 `json:"offset_seconds"`
		Probability   float64 `json:"probability"`
		ClassID       int     `json:"class_id"`
		ClassName     string  `json:"class_name"`
	} `json:"events"`
	Error string `json:"error,omitempty"`
}

// Analyze scores one downloaded segment and returns the candidate
// events ordered by offset. The oracle is deterministic per input, so
// there is no retry here: any failure is fatal to this segment only and
// the caller marks it processed with zero events.
func (c *Classifier) Analyze(wavPath string) ([]Event, error) {
	if c.closed {
		return nil, ErrClosed
	}

	body, err := json.Marshal(analyzeRequest{AudioPath: wavPath, MinProbability: c.threshold})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Post(c.endpoint+"/v1/analyze", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("malformed oracle response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != "" {
			return nil, fmt.Errorf("oracle error: %s", decoded.Error)
		}
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	events := make([]Event, 0, len(decoded.Events))
	for _, e := range decoded.Events {
		if e.Probability < c.threshold || e.Probability > 1 {
			continue
		}
		name := e.ClassName
		if name == "" {
			name = ClassName(e.ClassID)
		}
		events = append(events, Event{
			Offset:      time.Duration(e.OffsetSeconds * float64(time.Second)),
			Probability: e.Probability,
			ClassID:     e.ClassID,
			ClassName:   name,
		})
	}

	// The oracle emits events ordered by offset; keep that contract
	// even if the sidecar misbehaves.
	sort.Slice(events, func(i, j int) bool { return events[i].Offset < events[j].Offset })

	return events, nil
}

// Close releases the inference handle. Further Analyze calls fail with
// ErrClosed. Safe to call more than once.
func (c *Classifier) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.client.CloseIdleConnections()
	return nil
}
