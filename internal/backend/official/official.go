// Package official implements the official-cloud-API backend: a
// straight REST client against the image-generation vendor's own
// hosted API, as opposed to driving a chat-platform bot account.
package official

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/correlator"
	"github.com/basket/drawproxy/internal/instance"
	"github.com/basket/drawproxy/internal/task"
)

// pollInterval is how often Poll checks job status for every account
// registered with WatchAccount.
const pollInterval = 3 * time.Second

// Backend talks to the official cloud API over HTTPS. One Backend
// serves every account in this family; per-account credentials and
// base URL are read from the account's registry entry via the
// accountConfig lookup.
type Backend struct {
	client *http.Client
	log    *slog.Logger

	// baseURL and apiKeyFor resolve per-account endpoint/credential
	// pairs, since the official API is a single multi-tenant service
	// rather than one bot session per account.
	baseURL   string
	apiKeyFor func(acct *task.Account) string

	mu       sync.Mutex
	watching map[string]*task.Account // channelID -> account, for Poll
}

// New constructs a Backend. baseURL is the vendor API root (e.g.
// "https://api.vendor.example/v1"); apiKeyFor resolves the bearer
// token to use for a given account.
func New(baseURL string, apiKeyFor func(acct *task.Account) string, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
		baseURL:   baseURL,
		apiKeyFor: apiKeyFor,
		watching:  make(map[string]*task.Account),
	}
}

// WatchAccount registers acct so Poll includes it in every sweep. Called
// once per account at startup, mirroring the instance registration loop.
func (b *Backend) WatchAccount(acct *task.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watching[acct.ChannelID] = acct
}

type submitRequest struct {
	Prompt    string   `json:"prompt"`
	Action    string   `json:"action"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Mode      string   `json:"mode,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// Send posts t's primary command to the vendor's job-submission
// endpoint and records the returned job id as the instance message id.
func (b *Backend) Send(ctx context.Context, acct *task.Account, t *task.Task) (instance.Message, task.SubmitResult) {
	body := submitRequest{Prompt: t.Prompt, Action: string(t.Action), ImageURLs: t.ImageURLs, Mode: string(t.Mode)}
	var resp submitResponse
	if err := b.do(ctx, acct, http.MethodPost, "/jobs", body, &resp); err != nil {
		return instance.Message{}, task.Failure("official backend: " + err.Error())
	}
	if resp.Error != "" {
		return instance.Message{}, task.Failure("official backend: upstream rejected: " + resp.Error)
	}
	return instance.Message{ID: resp.JobID}, task.Success(t.ID)
}

// SendSecondPhase posts the rewritten customId as a follow-up action
// against the job the first phase created.
func (b *Backend) SendSecondPhase(ctx context.Context, acct *task.Account, t *task.Task, customID string) (instance.Message, task.SubmitResult) {
	body := map[string]string{"custom_id": customID}
	var resp submitResponse
	path := fmt.Sprintf("/jobs/%s/actions", t.Properties.MessageID)
	if err := b.do(ctx, acct, http.MethodPost, path, body, &resp); err != nil {
		return instance.Message{}, task.Failure("official backend: " + err.Error())
	}
	return instance.Message{ID: resp.JobID}, task.Success(t.ID)
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload posts raw bytes to the vendor's asset-upload endpoint and
// returns the hosted URL.
func (b *Backend) Upload(ctx context.Context, acct *task.Account, data []byte, suffix string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/assets"+suffix, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("official backend: build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKeyFor(acct))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("official backend: upload request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("official backend: upload status %d", resp.StatusCode)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("official backend: decode upload response: %w", err)
	}
	return out.URL, nil
}

// SendImage is not meaningful for a pure REST API: results are fetched
// by URL, not posted into a channel. It returns url unchanged.
func (b *Backend) SendImage(ctx context.Context, acct *task.Account, url string) (string, error) {
	return url, nil
}

// Rehost is a no-op: the official API serves its own asset URLs
// directly, there's nothing to re-host through.
func (b *Backend) Rehost(ctx context.Context, acct *task.Account, url string) (string, error) {
	return url, nil
}

// React is not applicable to a REST API; the seed retrieval flow is
// not used against the official backend family (seeds are returned
// inline in the job response), so this always errors if called.
func (b *Backend) React(ctx context.Context, acct *task.Account, messageID, emoji string) error {
	return fmt.Errorf("official backend: react is not supported, seed flow does not apply to this family")
}

type jobStatusResponse struct {
	Jobs []jobStatus `json:"jobs"`
}

type jobStatus struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"` // "queued", "running", "succeeded", "failed"
	Progress int    `json:"progress"`
	ImageURL string `json:"image_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Poll periodically sweeps every account registered via WatchAccount
// for job status, publishing one EventData per active job onto eventBus
// for the correlator to resolve by its message id (the job id Send
// recorded). This is the REST equivalent of the chat backend's
// long-poll Listen loop.
func (b *Backend) Poll(ctx context.Context, eventBus *bus.Bus) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollOnce(ctx, eventBus)
		}
	}
}

func (b *Backend) pollOnce(ctx context.Context, eventBus *bus.Bus) {
	b.mu.Lock()
	accounts := make([]*task.Account, 0, len(b.watching))
	for _, acct := range b.watching {
		accounts = append(accounts, acct)
	}
	b.mu.Unlock()

	for _, acct := range accounts {
		var resp jobStatusResponse
		if err := b.do(ctx, acct, http.MethodGet, "/jobs?status=active", nil, &resp); err != nil {
			b.log.Warn("official backend: poll failed", "channel_id", acct.ChannelID, "error", err)
			continue
		}
		for _, j := range resp.Jobs {
			eventBus.Publish(bus.TopicUpstreamEvent, jobStatusToEventData(acct.ChannelID, j))
		}
	}
}

// jobStatusToEventData renders one polled job status as the correlator's
// EventData shape: the same "(N%)"/"(Stopped)" text markers the chat
// family's inline message edits carry, so Correlator.apply interprets
// both families identically.
func jobStatusToEventData(channelID string, j jobStatus) correlator.EventData {
	ev := correlator.EventData{
		ID:        j.JobID,
		ChannelID: channelID,
	}
	switch {
	case j.Status == "succeeded" && j.ImageURL != "":
		ev.Content = "(100%)"
		ev.Attachments = []correlator.Attachment{{URL: j.ImageURL}}
	case j.Status == "succeeded":
		// No image url on a succeeded job is an anomalous upstream response;
		// surface it as a stop rather than leaving the task stuck at 100%.
		ev.Content = "(Stopped) succeeded with no image url"
	case j.Status == "failed":
		if j.Error != "" {
			ev.Content = j.Error
		} else {
			ev.Content = "(Stopped)"
		}
	default:
		ev.Content = fmt.Sprintf("(%d%%)", j.Progress)
	}
	return ev
}

func (b *Backend) do(ctx context.Context, acct *task.Account, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKeyFor(acct))

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
