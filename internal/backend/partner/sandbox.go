package partner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// RehostSandbox runs the partner backend's optional local re-encode
// step in an ephemeral, network-disabled container before an uploaded
// image is handed to the partner API. It mirrors the core's own
// command sandbox, repurposed for image re-encoding rather than
// arbitrary code execution.
type RehostSandbox struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
}

// NewRehostSandbox constructs a RehostSandbox. image defaults to
// "alpine" if empty; memoryMB defaults to 256.
func NewRehostSandbox(image string, memoryMB int64) (*RehostSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("rehost sandbox: docker client: %w", err)
	}
	if image == "" {
		image = "alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 256
	}
	return &RehostSandbox{client: cli, image: image, memoryMB: memoryMB * 1024 * 1024, networkMode: "none"}, nil
}

// Reencode writes data to a scratch directory, runs cmd against it in
// an ephemeral container bind-mounted at /workspace, and returns the
// bytes written to outName by the time the container exits.
func (s *RehostSandbox) Reencode(ctx context.Context, data []byte, inName, outName, cmd string) ([]byte, error) {
	workspace, err := os.MkdirTemp("", "drawproxy-rehost-*")
	if err != nil {
		return nil, fmt.Errorf("rehost sandbox: scratch dir: %w", err)
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, inName), data, 0o600); err != nil {
		return nil, fmt.Errorf("rehost sandbox: write input: %w", err)
	}

	resp, err := s.client.ContainerCreate(ctx, &container.Config{
		Image:      s.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: s.memoryMB},
		NetworkMode: container.NetworkMode(s.networkMode),
		Binds:       []string{workspace + ":/workspace"},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("rehost sandbox: create container: %w", err)
	}
	containerID := resp.ID

	if err := s.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("rehost sandbox: start container: %w", err)
	}

	statusCh, errCh := s.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("rehost sandbox: wait container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			logs, _ := s.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
			var stdout, stderr bytes.Buffer
			if logs != nil {
				defer logs.Close()
				_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
			}
			return nil, fmt.Errorf("rehost sandbox: re-encode exited %d: %s", status.StatusCode, stderr.String())
		}
	case <-ctx.Done():
		_ = s.client.ContainerKill(ctx, containerID, "SIGKILL")
		return nil, ctx.Err()
	}

	out, err := os.ReadFile(filepath.Join(workspace, outName))
	if err != nil {
		return nil, fmt.Errorf("rehost sandbox: read output: %w", err)
	}
	return out, nil
}

// Close closes the underlying docker client.
func (s *RehostSandbox) Close() error {
	return s.client.Close()
}
