// Package provider talks to the external wearable-audio API: one
// listing call per planned chunk window, then payload downloads.
// Transient failures (5xx, timeouts) are retried a bounded number of
// times with exponential backoff; client errors are never retried.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/stokedbloke/giggles-cli-sub001/internal/chunk"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Error taxonomy. The pipeline skips-and-logs on all of these; only the
// transient class is retried first.
var (
	// ErrNoData means the provider has no recordings for the window.
	ErrNoData = errors.New("no audio data for window")
	// ErrTransient is a 5xx or timeout that survived every retry.
	ErrTransient = errors.New("transient provider error")
	// ErrPermanent is a non-retryable client error (4xx).
	ErrPermanent = errors.New("permanent provider error")
)

// SegmentDescriptor is one downloadable recording within a chunk
// window, as returned by the listing call.
type SegmentDescriptor struct {
	ID          string    `json:"id"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	DownloadURL string    `json:"download_url"`
}

// Valid reports whether the descriptor is usable: a non-empty time
// range and a payload reference. Invalid descriptors are discarded at
// validation without retry.
func (d SegmentDescriptor) Valid() bool {
	return d.Start.Before(d.End) && d.DownloadURL != ""
}

// CallResult is one provider call attempt for the run audit trail.
// Every retry produces its own entry.
type CallResult struct {
	StatusCode int
	Window     string
	Outcome    string
}

type listResponse struct {
	Segments []SegmentDescriptor `json:"segments"`
}

// Client is the audio provider API client. The zero values of the
// tuning fields fall back to the package defaults.
type Client struct {
	BaseURL    string
	Token      string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	httpClient *http.Client

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(d time.Duration)
}

// defaultHTTPClient serves clients built as bare struct literals.
var defaultHTTPClient = &http.Client{Timeout: DefaultTimeout}

// NewClient builds a provider client with a bounded per-call timeout.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		sleep:      time.Sleep,
	}
}

// ListSegments performs the provider listing call for one chunk window,
// retrying transient failures. It returns the validated descriptors
// (possibly none) plus one CallResult per attempt for the audit trail.
// A no-data window returns ErrNoData; callers treat it as an empty,
// successful outcome.
func (c *Client) ListSegments(win chunk.Chunk) ([]SegmentDescriptor, []CallResult, error) {
	u, err := url.Parse(c.BaseURL + "/v1/audio")
	if err != nil {
		return nil, nil, fmt.Errorf("bad provider base URL: %w", err)
	}
	q := u.Query()
	q.Set("start", win.Start.UTC().Format(time.RFC3339))
	q.Set("end", win.End.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	var audit []CallResult
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries(); attempt++ {
		if attempt > 0 {
			c.backoff(attempt)
		}

		status, body, err := c.get(u.String())
		switch {
		case err != nil:
			// Network error or timeout: same treatment as a 5xx.
			audit = append(audit, CallResult{StatusCode: 0, Window: win.Window(), Outcome: "request error: " + err.Error()})
			lastErr = err
			continue

		case status == http.StatusNotFound:
			audit = append(audit, CallResult{StatusCode: status, Window: win.Window(), Outcome: "no data"})
			return nil, audit, ErrNoData

		case status >= 500:
			audit = append(audit, CallResult{StatusCode: status, Window: win.Window(), Outcome: "transient error"})
			lastErr = fmt.Errorf("provider returned %d", status)
			continue

		case status >= 400:
			audit = append(audit, CallResult{StatusCode: status, Window: win.Window(), Outcome: "client error"})
			return nil, audit, fmt.Errorf("%w: status %d", ErrPermanent, status)

		default:
			var resp listResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				audit = append(audit, CallResult{StatusCode: status, Window: win.Window(), Outcome: "malformed response"})
				return nil, audit, fmt.Errorf("%w: malformed listing response: %v", ErrPermanent, err)
			}

			valid := resp.Segments[:0]
			dropped := 0
			for _, d := range resp.Segments {
				if d.Valid() {
					valid = append(valid, d)
				} else {
					dropped++
				}
			}
			if dropped > 0 {
				log.Printf("provider: dropped %d invalid segment descriptors for window %s", dropped, win.Window())
			}

			if len(valid) == 0 {
				audit = append(audit, CallResult{StatusCode: status, Window: win.Window(), Outcome: "no data"})
				return nil, audit, ErrNoData
			}
			audit = append(audit, CallResult{StatusCode: status, Window: win.Window(),
				Outcome: fmt.Sprintf("ok (%d segments, %d invalid)", len(valid), dropped)})
			return valid, audit, nil
		}
	}

	return nil, audit, fmt.Errorf("%w: %d attempts exhausted: %v", ErrTransient, c.maxRetries()+1, lastErr)
}

// Download streams a segment payload to destPath, retrying transient
// failures with the same bounded backoff as the listing call.
func (c *Client) Download(desc SegmentDescriptor, destPath string) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries(); attempt++ {
		if attempt > 0 {
			c.backoff(attempt)
		}

		err := c.downloadOnce(desc.DownloadURL, destPath)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: download of %s failed: %v", ErrTransient, desc.ID, lastErr)
}

func (c *Client) downloadOnce(rawURL, destPath string) error {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("payload server returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: payload status %d", ErrPermanent, resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("payload copy failed: %w", err)
	}
	return nil
}

func (c *Client) get(rawURL string) (status int, body []byte, err error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// backoff sleeps for the exponential delay of the given attempt.
// Explicit loop + sleep rather than recursion keeps the attempt budget
// and cancellation behaviour obvious.
func (c *Client) backoff(attempt int) {
	delay := c.baseDelay() << min(attempt-1, 6)
	if delay > c.maxDelay() {
		delay = c.maxDelay()
	}
	if c.sleep != nil {
		c.sleep(delay)
		return
	}
	time.Sleep(delay)
}

func (c *Client) client() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return defaultHTTPClient
}

func (c *Client) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

func (c *Client) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return DefaultBaseDelay
}

func (c *Client) maxDelay() time.Duration {
	if c.MaxDelay > 0 {
		return c.MaxDelay
	}
	return DefaultMaxDelay
}
