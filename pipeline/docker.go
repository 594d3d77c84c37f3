package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"evalorchestrator.dev/blueprint"
)

// DockerRunner runs one evaluation per container: the resolved
// blueprint is passed as JSON on a single environment variable, and
// the artifact filename is read back from the container's final
// stdout line. Each run gets its own throwaway container so a failed
// or hung pipeline can never leak state into the next one.
type DockerRunner struct {
	Client *client.Client
	Image  string
}

func (r *DockerRunner) Run(ctx context.Context, resolved blueprint.Resolved, opts RunOptions) (string, error) {
	payload, err := blueprintJSON(resolved, opts)
	if err != nil {
		return "", err
	}

	name := "eval-run-" + uuid.New().String()
	resp, err := r.Client.ContainerCreate(ctx,
		&containertypes.Config{
			Image:        r.Image,
			Env:          []string{"EVAL_RUN_INPUT=" + string(payload)},
			AttachStdout: true,
			AttachStderr: true,
		},
		&containertypes.HostConfig{AutoRemove: true},
		&networktypes.NetworkingConfig{},
		nil,
		name,
	)
	if err != nil {
		return "", fmt.Errorf("creating run container: %w", err)
	}

	if err := r.Client.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting run container: %w", err)
	}

	statusCh, errCh := r.Client.ContainerWait(ctx, resp.ID, containertypes.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("waiting for run container: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return "", fmt.Errorf("run container exited with status %d", status.StatusCode)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	out, err := r.Client.ContainerLogs(ctx, resp.ID, containertypes.LogsOptions{ShowStdout: true})
	if err != nil {
		return "", fmt.Errorf("reading run container logs: %w", err)
	}
	defer out.Close()

	data, err := io.ReadAll(out)
	if err != nil {
		return "", fmt.Errorf("draining run container logs: %w", err)
	}

	artifact := lastNonEmptyLine(data)
	if artifact == "" {
		return "", fmt.Errorf("run container produced no artifact filename")
	}
	return artifact, nil
}

// PullImage ensures the configured image is present locally before a
// run is attempted, surfacing registry problems early rather than as
// an opaque ContainerCreate failure.
func (r *DockerRunner) PullImage(ctx context.Context) error {
	reader, err := r.Client.ImagePull(ctx, r.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling pipeline image %s: %w", r.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func lastNonEmptyLine(data []byte) string {
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 {
			return string(line)
		}
	}
	return ""
}
