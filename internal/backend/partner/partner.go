// Package partner implements the partner-cloud-API backend: a REST
// client against a third-party-operated drawing API that additionally
// requires an explicit re-hosting step for uploaded images (the
// partner API refuses to fetch from arbitrary origins).
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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

// Backend talks to the partner cloud API over HTTPS, optionally
// re-encoding uploaded images through a local sandbox before handing
// them a URL.
type Backend struct {
	client  *http.Client
	log     *slog.Logger
	sandbox *RehostSandbox // nil disables the re-encode step; rehost then re-uploads verbatim

	baseURL   string
	apiKeyFor func(acct *task.Account) string

	mu       sync.Mutex
	watching map[string]*task.Account // channelID -> account, for Poll
}

// New constructs a Backend. sandbox may be nil to skip the re-encode
// step (rehost then becomes a plain re-upload).
func New(baseURL string, apiKeyFor func(acct *task.Account) string, sandbox *RehostSandbox, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
		sandbox:   sandbox,
		baseURL:   baseURL,
		apiKeyFor: apiKeyFor,
		watching:  make(map[string]*task.Account),
	}
}

// WatchAccount registers acct so Poll includes it in every sweep.
func (b *Backend) WatchAccount(acct *task.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watching[acct.ChannelID] = acct
}

type jobRequest struct {
	Prompt    string   `json:"prompt"`
	Action    string   `json:"action"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

type jobResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// Send posts t's primary command to the partner job endpoint.
func (b *Backend) Send(ctx context.Context, acct *task.Account, t *task.Task) (instance.Message, task.SubmitResult) {
	var resp jobResponse
	body := jobRequest{Prompt: t.Prompt, Action: string(t.Action), ImageURLs: t.ImageURLs}
	if err := b.do(ctx, acct, http.MethodPost, "/v1/jobs", body, &resp); err != nil {
		return instance.Message{}, task.Failure("partner backend: " + err.Error())
	}
	if resp.Error != "" {
		return instance.Message{}, task.Failure("partner backend: upstream rejected: " + resp.Error)
	}
	return instance.Message{ID: resp.JobID}, task.Success(t.ID)
}

// SendSecondPhase posts the rewritten customId as a follow-up action.
func (b *Backend) SendSecondPhase(ctx context.Context, acct *task.Account, t *task.Task, customID string) (instance.Message, task.SubmitResult) {
	var resp jobResponse
	path := fmt.Sprintf("/v1/jobs/%s/actions", t.Properties.MessageID)
	if err := b.do(ctx, acct, http.MethodPost, path, map[string]string{"custom_id": customID}, &resp); err != nil {
		return instance.Message{}, task.Failure("partner backend: " + err.Error())
	}
	return instance.Message{ID: resp.JobID}, task.Success(t.ID)
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload posts raw bytes to the partner's asset endpoint and returns
// the resulting URL.
func (b *Backend) Upload(ctx context.Context, acct *task.Account, data []byte, suffix string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/assets"+suffix, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("partner backend: build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKeyFor(acct))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("partner backend: upload request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("partner backend: upload status %d", resp.StatusCode)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("partner backend: decode upload response: %w", err)
	}
	return out.URL, nil
}

// SendImage is not meaningful for a pure REST API and returns url
// unchanged.
func (b *Backend) SendImage(ctx context.Context, acct *task.Account, url string) (string, error) {
	return url, nil
}

// Rehost fetches url, optionally re-encodes it through the local
// sandbox (stripping any source metadata the partner API rejects),
// and re-uploads the result, returning the partner-hosted URL.
func (b *Backend) Rehost(ctx context.Context, acct *task.Account, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("partner backend: rehost: build fetch request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("partner backend: rehost: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("partner backend: rehost: fetch status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", fmt.Errorf("partner backend: rehost: read body: %w", err)
	}
	data := buf.Bytes()

	if b.sandbox != nil {
		reencoded, err := b.sandbox.Reencode(ctx, data, "in.img", "in.img", "cp in.img in.img")
		if err != nil {
			b.log.Warn("partner backend: rehost re-encode failed, uploading original bytes", "error", err)
		} else {
			data = reencoded
		}
	}

	return b.Upload(ctx, acct, data, ".png")
}

// React is not supported against the partner REST API.
func (b *Backend) React(ctx context.Context, acct *task.Account, messageID, emoji string) error {
	return fmt.Errorf("partner backend: react is not supported, seed flow does not apply to this family")
}

type jobStatusResponse struct {
	Jobs []jobStatus `json:"jobs"`
}

type jobStatus struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	ImageURL string `json:"image_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Poll periodically sweeps every account registered via WatchAccount
// for job status, publishing one EventData per active job onto eventBus.
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
		if err := b.do(ctx, acct, http.MethodGet, "/v1/jobs?status=active", nil, &resp); err != nil {
			b.log.Warn("partner backend: poll failed", "channel_id", acct.ChannelID, "error", err)
			continue
		}
		for _, j := range resp.Jobs {
			eventBus.Publish(bus.TopicUpstreamEvent, jobStatusToEventData(acct.ChannelID, j))
		}
	}
}

// jobStatusToEventData renders one polled job status as the correlator's
// EventData shape using the same progress/stopped text markers the chat
// family's inline message edits carry.
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
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(encoded))
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
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
