package mgmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/docker/docker/pkg/stdcopy"
	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
	"github.com/google/uuid"

	"github.com/selfcloud/selfcloud/app/store"
)

// projectRequest is the create/update payload. Port set makes a port-forward
// project, otherwise a container project is assumed.
type projectRequest struct {
	Name         string              `json:"name"`
	Port         uint16              `json:"port,omitempty"`
	ExposedPorts []store.ExposedPort `json:"exposed_ports,omitempty"`
	EnvVars      []store.EnvVar      `json:"env_vars,omitempty"`
}

// listProjectsCtrl - GET /api/v1/projects
func (s *Server) listProjectsCtrl(w http.ResponseWriter, _ *http.Request) {
	R.RenderJSON(w, s.Registry.ListProjects())
}

// addProjectCtrl - POST /api/v1/projects, makes a port-forward project from
// {name, port} or a container project from {name, exposed_ports, env_vars}.
// Container projects get an initial upload token, the only way to see its
// value is this response and GET of the project.
func (s *Server) addProjectCtrl(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, fmt.Errorf("failed to parse project: %v: %w", err, store.ErrInvalidInput))
		return
	}
	if req.Port != 0 && len(req.ExposedPorts) > 0 {
		sendError(w, fmt.Errorf("both port and exposed_ports set: %w", store.ErrInvalidInput))
		return
	}

	var kind store.ProjectKind
	if req.Port != 0 {
		kind.PortForward = &store.PortForward{Port: req.Port}
	} else {
		kind.Container = &store.Container{
			ExposedPorts: stripPeers(req.ExposedPorts),
			EnvVars:      req.EnvVars,
			Tokens:       map[string]store.Token{"default": {Value: uuid.NewString()}},
		}
	}

	p, err := s.Registry.AddProject(req.Name, kind)
	if err != nil {
		sendError(w, err)
		return
	}
	R.RenderJSON(w, p)
}

// getProjectCtrl - GET /api/v1/projects/{id}
func (s *Server) getProjectCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	p, ok := s.Registry.GetProject(id)
	if !ok {
		sendError(w, fmt.Errorf("project %s: %w", id, store.ErrProjectNotFound))
		return
	}
	R.RenderJSON(w, p)
}

// removeProjectCtrl - DELETE /api/v1/projects/{id}, drops attached domains too
func (s *Server) removeProjectCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.Registry.RemoveProject(id); err != nil {
		sendError(w, err)
		return
	}
	R.RenderJSON(w, R.JSON{"removed": id.String()})
}

// updatePortCtrl - PUT /api/v1/projects/{id}/port, replaces the backend port
// of a port-forward project
func (s *Server) updatePortCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var req struct {
		Port uint16 `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, fmt.Errorf("failed to parse port: %v: %w", err, store.ErrInvalidInput))
		return
	}
	if req.Port == 0 {
		sendError(w, fmt.Errorf("zero port: %w", store.ErrInvalidInput))
		return
	}

	p, ok := s.Registry.GetProject(id)
	if !ok {
		sendError(w, fmt.Errorf("project %s: %w", id, store.ErrProjectNotFound))
		return
	}
	if p.Kind.PortForward == nil {
		sendError(w, fmt.Errorf("project %s is not a port-forward: %w", id, store.ErrInvalidInput))
		return
	}
	p.Kind.PortForward.Port = req.Port
	if err := s.Registry.UpdateProject(id, p); err != nil {
		sendError(w, err)
		return
	}
	R.RenderJSON(w, p)
}

// updateContainerCtrl - PUT /api/v1/projects/{id}/container, replaces exposed
// ports and env vars of a container project. Tokens and the reconciler status
// stay; discovered peers carry over for ports that keep their number, so a
// running container doesn't lose its routing. New ports get peers on the next
// container recreation.
func (s *Server) updateContainerCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var req struct {
		ExposedPorts []store.ExposedPort `json:"exposed_ports"`
		EnvVars      []store.EnvVar      `json:"env_vars,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, fmt.Errorf("failed to parse container config: %v: %w", err, store.ErrInvalidInput))
		return
	}

	p, ok := s.Registry.GetProject(id)
	if !ok {
		sendError(w, fmt.Errorf("project %s: %w", id, store.ErrProjectNotFound))
		return
	}
	if p.Kind.Container == nil {
		sendError(w, fmt.Errorf("project %s: %w", id, store.ErrNotContainer))
		return
	}

	ports := stripPeers(req.ExposedPorts)
	for i := range ports {
		for _, old := range p.Kind.Container.ExposedPorts {
			if old.ContainerPort == ports[i].ContainerPort && old.Peer != nil {
				peer := *old.Peer
				ports[i].Peer = &peer
			}
		}
	}
	p.Kind.Container.ExposedPorts = ports
	p.Kind.Container.EnvVars = req.EnvVars

	if err := s.Registry.UpdateProject(id, p); err != nil {
		sendError(w, err)
		return
	}
	R.RenderJSON(w, p)
}

// listDomainsCtrl - GET /api/v1/projects/{id}/domains
func (s *Server) listDomainsCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	if _, ok := s.Registry.GetProject(id); !ok {
		sendError(w, fmt.Errorf("project %s: %w", id, store.ErrProjectNotFound))
		return
	}
	res := s.Registry.DomainsFor(id)
	if res == nil {
		res = []store.DomainInfo{}
	}
	R.RenderJSON(w, res)
}

// addDomainCtrl - POST /api/v1/projects/{id}/domains, attaches a domain and
// kicks off certificate provisioning unless pems are already on disk
func (s *Server) addDomainCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var req struct {
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, fmt.Errorf("failed to parse domain: %v: %w", err, store.ErrInvalidInput))
		return
	}

	st, err := s.Registry.AddDomain(id, req.Domain)
	if err != nil {
		sendError(w, err)
		return
	}
	R.RenderJSON(w, store.DomainInfo{Name: store.NormalizeDomain(req.Domain), ProjectID: st.ProjectID, SSL: st.SSL})
}

// getDomainCtrl - GET /api/v1/domains/{name}, per-domain ssl status
func (s *Server) getDomainCtrl(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, ok := s.Registry.GetDomain(name)
	if !ok {
		sendError(w, fmt.Errorf("domain %s: %w", name, store.ErrDomainNotFound))
		return
	}
	R.RenderJSON(w, store.DomainInfo{Name: store.NormalizeDomain(name), ProjectID: st.ProjectID, SSL: st.SSL})
}

// containerInspectCtrl - GET /api/v1/projects/{id}/container/inspect
func (s *Server) containerInspectCtrl(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.runningContainer(r)
	if err != nil {
		sendError(w, err)
		return
	}
	info, err := s.Engine.Inspect(r.Context(), containerID)
	if err != nil {
		log.Printf("[WARN] container inspect failed for %s, %v", containerID, err)
		http.Error(w, "docker request failed", http.StatusBadGateway)
		return
	}
	R.RenderJSON(w, info)
}

// containerLogsCtrl - GET /api/v1/projects/{id}/container/logs?tail=N
func (s *Server) containerLogsCtrl(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.runningContainer(r)
	if err != nil {
		sendError(w, err)
		return
	}
	tail := r.URL.Query().Get("tail")
	if tail == "" {
		tail = "100"
	}

	logs, err := s.Engine.Logs(r.Context(), containerID, tail)
	if err != nil {
		log.Printf("[WARN] container logs failed for %s, %v", containerID, err)
		http.Error(w, "docker request failed", http.StatusBadGateway)
		return
	}
	defer logs.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	// docker multiplexes stdout and stderr into one stream, demux both into the response
	if _, err := stdcopy.StdCopy(w, w, logs); err != nil {
		log.Printf("[WARN] log copy for %s interrupted, %v", containerID, err)
	}
}

// containerActionCtrl - POST /api/v1/projects/{id}/container/{action} with
// action one of start, stop, pause, unpause
func (s *Server) containerActionCtrl(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.runningContainer(r)
	if err != nil {
		sendError(w, err)
		return
	}

	action := r.PathValue("action")
	switch action {
	case "start":
		err = s.Engine.Start(r.Context(), containerID)
	case "stop":
		err = s.Engine.Stop(r.Context(), containerID)
	case "pause":
		err = s.Engine.Pause(r.Context(), containerID)
	case "unpause":
		err = s.Engine.Unpause(r.Context(), containerID)
	default:
		sendError(w, fmt.Errorf("unknown container action %q: %w", action, store.ErrInvalidInput))
		return
	}

	if err != nil {
		log.Printf("[WARN] container %s failed for %s, %v", action, containerID, err)
		http.Error(w, "docker request failed", http.StatusBadGateway)
		return
	}
	log.Printf("[INFO] container %s for %s", action, containerID)
	R.RenderJSON(w, R.JSON{"result": "ok", "action": action})
}

// runningContainer resolves the path project to its running container id.
// Container ops work on running projects only, everything else is rejected.
func (s *Server) runningContainer(r *http.Request) (string, error) {
	id, err := parseProjectID(r)
	if err != nil {
		return "", err
	}
	p, ok := s.Registry.GetProject(id)
	if !ok {
		return "", fmt.Errorf("project %s: %w", id, store.ErrProjectNotFound)
	}
	if p.Kind.Container == nil {
		return "", fmt.Errorf("project %s: %w", id, store.ErrNotContainer)
	}
	status := p.Kind.Container.Status
	if status.State != store.ContainerRunning || status.ContainerID == "" {
		return "", fmt.Errorf("project %s container is %s, not running: %w", id, status.State, store.ErrConflict)
	}
	return status.ContainerID, nil
}

func parseProjectID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("bad project id %q: %w", r.PathValue("id"), store.ErrInvalidInput)
	}
	return id, nil
}

// stripPeers drops client-supplied peers, those are discovered by the
// container manager and never accepted from the outside
func stripPeers(ports []store.ExposedPort) []store.ExposedPort {
	res := make([]store.ExposedPort, len(ports))
	for i, p := range ports {
		p.Peer = nil
		res[i] = p
	}
	return res
}

// sendError converts registry errors to http statuses per the error taxonomy
func sendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrProjectNotFound), errors.Is(err, store.ErrDomainNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, store.ErrNotContainer):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrTokenInvalid):
		code = http.StatusUnauthorized
	case errors.Is(err, store.ErrTokenExpired):
		code = http.StatusForbidden
	case errors.Is(err, store.ErrConflict):
		code = http.StatusConflict
	}
	log.Printf("[WARN] request failed with %d, %v", code, err)
	http.Error(w, err.Error(), code)
}
