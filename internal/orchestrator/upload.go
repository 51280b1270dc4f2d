package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/basket/drawproxy/internal/task"
)

// runUploadProtocol resolves every attached data URL on t into a plain
// http(s) URL reachable by the backend, then prepends the resolved
// URLs to the prompt for compound commands.
func (o *Orchestrator) runUploadProtocol(ctx context.Context, acct *task.Account, t *task.Task) error {
	if len(t.ImageURLs) == 0 {
		return nil
	}

	backend, ok := o.backends[acct.BackendFamily]
	if !ok {
		return fmt.Errorf("no backend configured for %s", acct.BackendFamily)
	}

	start := time.Now()
	resolved := make([]string, 0, len(t.ImageURLs))
	for _, raw := range t.ImageURLs {
		url, err := o.resolveUpload(ctx, acct, backend, raw)
		if err != nil {
			return err
		}
		resolved = append(resolved, url)
	}
	if o.metrics != nil && o.metrics.UploadDuration != nil {
		o.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds())
	}
	t.ImageURLs = resolved

	if compoundActions[t.Action] {
		t.Prompt = strings.TrimSpace(strings.Join(resolved, " ") + " " + t.Prompt)
	}
	return nil
}

// resolveUpload implements the per-attachment upload sub-protocol: pass
// through or rehost an http(s) URL, or decode and upload a base64 data
// URL.
func (o *Orchestrator) resolveUpload(ctx context.Context, acct *task.Account, backend Backend, raw string) (string, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if acct.BackendFamily == task.BackendPartner || o.forceRehostChat {
			return backend.Rehost(ctx, acct, raw)
		}
		return raw, nil
	}

	if !o.allowBase64Uploads {
		return "", fmt.Errorf("base64 uploads disabled by config")
	}

	data, mimeType, err := decodeDataURL(raw)
	if err != nil {
		return "", err
	}
	suffix := suffixForMIME(mimeType)

	// Upload is responsible for returning a usable URL unconditionally:
	// backends that can only post into a channel call send-image
	// internally and return the resulting message URL.
	return backend.Upload(ctx, acct, data, suffix)
}

// decodeDataURL parses a "data:<mime>;base64,<body>" URL.
func decodeDataURL(raw string) (data []byte, mimeType string, err error) {
	const prefix = "data:"
	if !strings.HasPrefix(raw, prefix) {
		return nil, "", fmt.Errorf("not a data url")
	}
	rest := strings.TrimPrefix(raw, prefix)
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("malformed data url")
	}
	header := parts[0]
	mimeType = strings.TrimSuffix(header, ";base64")

	data, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 body: %w", err)
	}
	return data, mimeType, nil
}

// suffixForMIME guesses a file suffix from a MIME type, defaulting to
// ".png" when unknown.
func suffixForMIME(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".png"
	}
	return exts[0]
}
