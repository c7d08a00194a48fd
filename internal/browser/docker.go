package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/logging"
)

const debugPort = "3000/tcp"

// DockerLauncher runs one browserless/chrome container per lease.
type DockerLauncher struct {
	client *client.Client
	image  string
	logger *zap.Logger
}

func NewDockerLauncher(image string, logger *zap.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if image == "" {
		image = "browserless/chrome:latest"
	}
	return &DockerLauncher{client: cli, image: image, logger: logging.OrNop(logger)}, nil
}

func (d *DockerLauncher) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	containerConfig := &container.Config{
		Image: d.image,
		Labels: map[string]string{
			"session-id": opts.SessionID,
			"managed-by": "webgrab",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{debugPort: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			debugPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
	}
	if opts.UserDataDir != "" {
		containerConfig.Env = append(containerConfig.Env, "DEFAULT_USER_DATA_DIR=/data")
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: opts.UserDataDir,
			Target: "/data",
		}}
	}

	name := opts.SessionID
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "webgrab-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	inst := &Instance{ID: opts.SessionID, ContainerID: resp.ID, UserDataDir: opts.UserDataDir}
	if err := d.start(ctx, inst); err != nil {
		if rmErr := d.remove(context.WithoutCancel(ctx), resp.ID); rmErr != nil {
			d.logger.Warn("failed to remove container after launch error",
				zap.String("container_id", resp.ID), zap.Error(rmErr))
		}
		return nil, err
	}
	return inst, nil
}

func (d *DockerLauncher) start(ctx context.Context, inst *Instance) error {
	if err := d.client.ContainerStart(ctx, inst.ContainerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, inst.ContainerID)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[debugPort]
	if len(bindings) == 0 {
		return fmt.Errorf("container exposes no debugger port")
	}
	port := bindings[0].HostPort

	if err := waitForBrowserReady(ctx, port); err != nil {
		return fmt.Errorf("browser failed to become ready: %w", err)
	}
	inst.ControlURL = fmt.Sprintf("ws://127.0.0.1:%s", port)
	return nil
}

func (d *DockerLauncher) Stop(ctx context.Context, inst *Instance) error {
	if inst.ContainerID == "" {
		return nil
	}
	return d.remove(ctx, inst.ContainerID)
}

func (d *DockerLauncher) remove(ctx context.Context, containerID string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the browser image if it is not present locally.
func (d *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.image {
				return nil
			}
		}
	}

	d.logger.Info("pulling browser image", zap.String("image", d.image))
	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerLauncher) Close() error {
	return d.client.Close()
}

// waitForBrowserReady polls /json/version until the browser answers.
func waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
