// Package container reconciles container projects with the docker daemon.
// The manager drives the registry state machine, the engine talks to dockerd.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
)

//go:generate moq -out engine_mock.go -fmt goimports . Engine

// Engine defines the docker daemon operations the service needs
type Engine interface {
	Find(ctx context.Context, name string) (ContainerInfo, bool, error)
	Inspect(ctx context.Context, containerID string) (ContainerInfo, error)
	Create(ctx context.Context, req CreateRequest) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Pause(ctx context.Context, containerID string) error
	Unpause(ctx context.Context, containerID string) error
	Logs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error)
	ImageDigest(ctx context.Context, ref string) (string, error)
	LoadImage(ctx context.Context, input io.Reader) (string, error)
	TagImage(ctx context.Context, source string, target string) error
}

// ContainerInfo is the engine-side view of a container. Ports maps container
// ports to the host ports docker published them on.
type ContainerInfo struct {
	ID      string
	Name    string
	ImageID string
	Running bool
	Paused  bool
	Status  string
	Ports   map[uint16]uint16
}

// CreateRequest describes a container to create. All declared ports are
// exposed and published, ports with a non-zero HostPort get an explicit
// host-side binding instead of an ephemeral one.
type CreateRequest struct {
	Name  string
	Image string
	Env   []string
	Ports []PortRequest
}

// PortRequest is a single container port to publish, HostPort 0 leaves the
// host side to docker
type PortRequest struct {
	ContainerPort uint16
	HostPort      uint16
}

// Docker implements Engine with the docker daemon API
type Docker struct {
	client      *dclient.Client
	stopTimeout time.Duration
}

// NewDocker makes a docker engine for the given daemon address. A bare path is
// treated as a unix socket.
func NewDocker(host string) (*Docker, error) {
	if !strings.Contains(host, "://") {
		host = "unix://" + host
	}
	cl, err := dclient.NewClientWithOpts(dclient.WithHost(host), dclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to make docker client for %s: %w", host, err)
	}
	return &Docker{client: cl, stopTimeout: time.Second * 10}, nil
}

// Find locates a container by its exact name, including stopped ones
func (d *Docker) Find(ctx context.Context, name string) (ContainerInfo, bool, error) {
	f := filters.NewArgs()
	f.Add("name", name)
	list, err := d.client.ContainerList(ctx, dcontainer.ListOptions{All: true, Filters: f})
	if err != nil {
		return ContainerInfo{}, false, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range list {
		for _, n := range c.Names { // the filter matches substrings, check the exact name
			if n != "/"+name {
				continue
			}
			info, err := d.Inspect(ctx, c.ID)
			if err != nil {
				return ContainerInfo{}, false, err
			}
			return info, true, nil
		}
	}
	return ContainerInfo{}, false, nil
}

// Inspect returns the state and published ports of a container
func (d *Docker) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	resp, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	res := ContainerInfo{
		ID:      resp.ID,
		Name:    strings.TrimPrefix(resp.Name, "/"),
		ImageID: resp.Image,
		Ports:   map[uint16]uint16{},
	}
	if resp.State != nil {
		res.Running = resp.State.Running
		res.Paused = resp.State.Paused
		res.Status = resp.State.Status
	}
	if resp.NetworkSettings == nil {
		return res, nil
	}
	for port, bindings := range resp.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		hostPort, err := strconv.ParseUint(bindings[0].HostPort, 10, 16)
		if err != nil {
			continue
		}
		res.Ports[uint16(port.Int())] = uint16(hostPort)
	}
	return res, nil
}

// Create makes a container without starting it and returns the container id
func (d *Docker) Create(ctx context.Context, req CreateRequest) (string, error) {
	cfg := &dcontainer.Config{
		Image:        req.Image,
		Env:          req.Env,
		ExposedPorts: nat.PortSet{},
	}
	hostCfg := &dcontainer.HostConfig{
		PublishAllPorts: true,
		PortBindings:    nat.PortMap{},
	}
	for _, p := range req.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(int(p.ContainerPort)))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", p.ContainerPort, err)
		}
		cfg.ExposedPorts[port] = struct{}{}
		if p.HostPort != 0 {
			hostCfg.PortBindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(int(p.HostPort))}}
		}
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", req.Name, err)
	}
	return resp.ID, nil
}

// Start starts a created or stopped container
func (d *Docker) Start(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, dcontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// Stop gracefully stops a container, an already removed container is not an error
func (d *Docker) Stop(ctx context.Context, id string) error {
	timeout := int(d.stopTimeout.Seconds())
	if err := d.client.ContainerStop(ctx, id, dcontainer.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// Remove force-removes a container with its anonymous volumes, an already
// removed container is not an error
func (d *Docker) Remove(ctx context.Context, id string) error {
	opts := dcontainer.RemoveOptions{Force: true, RemoveVolumes: true}
	if err := d.client.ContainerRemove(ctx, id, opts); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// Pause suspends all processes in a container
func (d *Docker) Pause(ctx context.Context, id string) error {
	if err := d.client.ContainerPause(ctx, id); err != nil {
		return fmt.Errorf("failed to pause container %s: %w", id, err)
	}
	return nil
}

// Unpause resumes a paused container
func (d *Docker) Unpause(ctx context.Context, id string) error {
	if err := d.client.ContainerUnpause(ctx, id); err != nil {
		return fmt.Errorf("failed to unpause container %s: %w", id, err)
	}
	return nil
}

// Logs streams the container log tail, both stdout and stderr. The caller
// closes the reader.
func (d *Docker) Logs(ctx context.Context, id, tail string) (io.ReadCloser, error) {
	opts := dcontainer.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail}
	rd, err := d.client.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs for container %s: %w", id, err)
	}
	return rd, nil
}

// ImageDigest resolves an image reference to its content id
func (d *Docker) ImageDigest(ctx context.Context, ref string) (string, error) {
	resp, err := d.client.ImageInspect(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return resp.ID, nil
}

// LoadImage feeds an image tarball to the daemon and returns the reference of
// the loaded image as the daemon reported it
func (d *Docker) LoadImage(ctx context.Context, input io.Reader) (string, error) {
	resp, err := d.client.ImageLoad(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}
	defer resp.Body.Close()
	return parseImageLoad(resp.Body)
}

// parseImageLoad pulls the loaded image reference out of the daemon's
// progress stream, either "Loaded image: name:tag" or "Loaded image ID: sha256:..."
func parseImageLoad(r io.Reader) (string, error) {
	var loaded string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return "", fmt.Errorf("failed to parse image load response: %w", err)
		}
		if msg.Error != nil {
			return "", fmt.Errorf("image load rejected: %s", msg.Error.Message)
		}
		stream := strings.TrimSpace(msg.Stream)
		switch {
		case strings.HasPrefix(stream, "Loaded image: "):
			loaded = strings.TrimPrefix(stream, "Loaded image: ")
		case strings.HasPrefix(stream, "Loaded image ID: "):
			loaded = strings.TrimPrefix(stream, "Loaded image ID: ")
		}
	}
	if loaded == "" {
		return "", fmt.Errorf("no image found in the uploaded archive")
	}
	return loaded, nil
}

// TagImage applies a new reference to an existing image
func (d *Docker) TagImage(ctx context.Context, source, target string) error {
	if err := d.client.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("failed to tag image %s as %s: %w", source, target, err)
	}
	return nil
}
