package container

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
	"github.com/google/uuid"

	"github.com/selfcloud/selfcloud/app/store"
)

// Registry is the project state the manager drives. Claiming flips a project
// from none to creating atomically, so two reconcile passes can't both pick it.
type Registry interface {
	ListProjects() []store.Project
	ClaimContainerCreate(id uuid.UUID) (store.Project, bool)
	SetContainerStatus(id uuid.UUID, status store.ContainerStatus) error
	SetContainerRunning(id uuid.UUID, containerID string, peers map[uint16]store.Peer) error
}

// Manager converges container projects to running containers. Each claimed
// project gets its own worker goroutine, the registry serializes per-project.
type Manager struct {
	Registry Registry
	Engine   Engine

	Interval      time.Duration // reconcile pass interval, defaults to 5s
	StartAttempts int           // polls while waiting for a started container, defaults to 60
	StartInterval time.Duration // delay between the polls, defaults to 2s
}

// ContainerName returns the name of the managed container for a project
func ContainerName(id uuid.UUID) string {
	return fmt.Sprintf("selfcloud_container_%s_latest", id)
}

// ImageName returns the image reference a project's uploads are tagged with
func ImageName(id uuid.UUID) string {
	return fmt.Sprintf("selfcloud_image_%s:latest", id)
}

// Run starts the reconcile loop and blocks until the context is canceled
func (m *Manager) Run(ctx context.Context) error {
	interval := m.Interval
	if interval == 0 {
		interval = time.Second * 5
	}
	log.Printf("[INFO] container manager activated, every %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] container manager terminated, %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// reconcile claims every container project still in none state and spawns a
// converge worker per claim
func (m *Manager) reconcile(ctx context.Context) {
	for _, p := range m.Registry.ListProjects() {
		if p.Kind.Container == nil || p.Kind.Container.Status.State != store.ContainerNone {
			continue
		}
		proj, ok := m.Registry.ClaimContainerCreate(p.ID)
		if !ok {
			continue
		}
		go m.converge(ctx, proj)
	}
}

// converge moves a single claimed project to running or failed. A failed
// project stays failed until the next image upload resets it.
func (m *Manager) converge(ctx context.Context, proj store.Project) {
	if err := m.createAndStart(ctx, proj); err != nil {
		log.Printf("[WARN] container for project %s (%s) failed: %v", proj.Name, proj.ID, err)
		if e := m.Registry.SetContainerStatus(proj.ID, store.ContainerStatus{State: store.ContainerFailed}); e != nil {
			log.Printf("[WARN] failed to record container failure for project %s: %v", proj.ID, e)
		}
	}
}

func (m *Manager) createAndStart(ctx context.Context, proj store.Project) error {
	digest, err := m.Engine.ImageDigest(ctx, ImageName(proj.ID))
	if err != nil {
		return fmt.Errorf("no usable image: %w", err)
	}

	name := ContainerName(proj.ID)
	info, found, err := m.Engine.Find(ctx, name)
	if err != nil {
		return err
	}

	if found && info.ImageID != digest { // stale container from a previous upload
		log.Printf("[INFO] replacing container %s, image %s superseded by %s", name, info.ImageID, digest)
		if err := m.Engine.Stop(ctx, info.ID); err != nil {
			return err
		}
		if err := m.Engine.Remove(ctx, info.ID); err != nil {
			return err
		}
		found = false
	}

	id := info.ID
	switch {
	case !found:
		req := CreateRequest{Name: name, Image: ImageName(proj.ID), Env: envList(proj)}
		for _, ep := range proj.Kind.Container.ExposedPorts {
			pr := PortRequest{ContainerPort: ep.ContainerPort}
			if ep.HostPort != nil {
				pr.HostPort = *ep.HostPort
			}
			req.Ports = append(req.Ports, pr)
		}
		if id, err = m.Engine.Create(ctx, req); err != nil {
			return err
		}
		if err = m.Engine.Start(ctx, id); err != nil {
			return err
		}
	case info.Paused:
		if err = m.Engine.Unpause(ctx, id); err != nil {
			return err
		}
	case !info.Running:
		if err = m.Engine.Start(ctx, id); err != nil {
			return err
		}
	}

	info, err = m.waitRunning(ctx, id)
	if err != nil {
		return err
	}

	peers := map[uint16]store.Peer{}
	for _, ep := range proj.Kind.Container.ExposedPorts {
		hostPort, ok := info.Ports[ep.ContainerPort]
		if !ok {
			return fmt.Errorf("container port %d of %s not published", ep.ContainerPort, name)
		}
		peers[ep.ContainerPort] = store.Peer{HostPort: fmt.Sprintf("127.0.0.1:%d", hostPort)}
	}

	if err = m.Registry.SetContainerRunning(proj.ID, info.ID, peers); err != nil {
		return fmt.Errorf("failed to record running container: %w", err)
	}
	log.Printf("[INFO] container %s for project %s (%s) is running, %d peers", info.ID, proj.Name, proj.ID, len(peers))
	return nil
}

// waitRunning polls the container until docker reports it running. The window
// is wide on purpose, slow images take a while on the first start.
func (m *Manager) waitRunning(ctx context.Context, id string) (ContainerInfo, error) {
	attempts := m.StartAttempts
	if attempts == 0 {
		attempts = 60
	}
	interval := m.StartInterval
	if interval == 0 {
		interval = time.Second * 2
	}

	var info ContainerInfo
	err := repeater.NewFixed(attempts, interval).Do(ctx, func() error {
		var e error
		if info, e = m.Engine.Inspect(ctx, id); e != nil {
			return e
		}
		if !info.Running {
			return fmt.Errorf("container %s is %s", id, info.Status)
		}
		return nil
	})
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container %s never got to running: %w", id, err)
	}
	return info, nil
}

func envList(proj store.Project) []string {
	res := make([]string, 0, len(proj.Kind.Container.EnvVars))
	for _, ev := range proj.Kind.Container.EnvVars {
		res = append(res, ev.Name+"="+ev.Value)
	}
	return res
}
