package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const DefaultImage = "browserless/chrome:latest"

// Instance is a running headless Chrome container.
type Instance struct {
	ContainerID string
	SessionID   string
	Host        string
	Port        string
}

// DevToolsURL is the HTTP base of the instance's DevTools endpoints.
func (i *Instance) DevToolsURL() string {
	return fmt.Sprintf("http://%s:%s", i.Host, i.Port)
}

// PoolOptions configures container launches.
type PoolOptions struct {
	Image        string
	Host         string // where published ports are reachable
	WindowWidth  int
	WindowHeight int
	ReadyRetries int
	ReadyDelay   time.Duration
}

// Pool launches and tears down Chrome containers through the Docker API.
type Pool struct {
	client *client.Client
	opts   PoolOptions
	http   *http.Client
}

func NewPool(opts PoolOptions) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.WindowWidth == 0 || opts.WindowHeight == 0 {
		opts.WindowWidth, opts.WindowHeight = 1920, 1080
	}
	if opts.ReadyRetries == 0 {
		opts.ReadyRetries = 20
	}
	if opts.ReadyDelay == 0 {
		opts.ReadyDelay = 500 * time.Millisecond
	}

	return &Pool{
		client: cli,
		opts:   opts,
		http:   &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Launch starts a container for sessionID and waits until Chrome answers
// on /json/version.
func (p *Pool) Launch(ctx context.Context, sessionID string) (*Instance, error) {
	containerConfig := &container.Config{
		Image: p.opts.Image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "invigilator",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
			fmt.Sprintf("DEFAULT_LAUNCH_ARGS=[\"--window-size=%d,%d\"]", p.opts.WindowWidth, p.opts.WindowHeight),
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
	}

	name := sessionID
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "invigilator-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s has no published devtools port", resp.ID[:12])
	}

	instance := &Instance{
		ContainerID: resp.ID,
		SessionID:   sessionID,
		Host:        p.opts.Host,
		Port:        bindings[0].HostPort,
	}

	if err := p.waitForReady(ctx, instance.DevToolsURL()); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return instance, nil
}

// Stop stops and removes a container.
func (p *Pool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Running reports whether the container is still up. A container the
// daemon no longer knows is not running; any other inspect failure is
// returned so callers can treat the answer as unknown.
func (p *Pool) Running(ctx context.Context, containerID string) (bool, error) {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// EnsureImage pulls the Chrome image if it is not present locally.
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.opts.Image {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, p.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

func (p *Pool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// waitForReady polls /json/version until Chrome answers.
func (p *Pool) waitForReady(ctx context.Context, base string) error {
	for i := 0; i < p.opts.ReadyRetries; i++ {
		if _, err := fetchVersion(ctx, p.http, base); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.ReadyDelay):
		}
	}
	return fmt.Errorf("browser did not become ready after %d retries", p.opts.ReadyRetries)
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func fetchVersion(ctx context.Context, hc *http.Client, base string) (*versionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools version endpoint returned %d", resp.StatusCode)
	}
	var v versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	return &v, nil
}
