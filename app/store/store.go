package store

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
)

// registry errors, mapped to http statuses at the api boundary
var (
	ErrProjectNotFound = errors.New("project not found")
	ErrDomainNotFound  = errors.New("domain not found")
	ErrNotContainer    = errors.New("project is not a container")
	ErrTokenInvalid    = errors.New("invalid upload token")
	ErrTokenExpired    = errors.New("upload token expired")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
)

// CertSink receives certificates discovered or provisioned for a domain.
// Implemented by the tls certificate store feeding the sni callback.
type CertSink interface {
	Set(domain string, cert *tls.Certificate)
	Remove(domain string)
}

// Service is the registry of projects and domains. Reads take the shared lock
// and return deep copies, writes mutate under the exclusive lock and persist
// outside of it. Cross-references between the two maps are by id only.
type Service struct {
	home  string
	certs CertSink

	projects map[uuid.UUID]Project
	domains  map[string]DomainStatus
	lock     sync.RWMutex

	persistLock sync.Mutex
}

// New makes the registry service rooted at home. The certificate sink is
// populated when domains with on-disk pems are added or loaded.
func New(home string, certs CertSink) *Service {
	return &Service{
		home:     home,
		certs:    certs,
		projects: map[uuid.UUID]Project{},
		domains:  map[string]DomainStatus{},
	}
}

// stored* types define the projects.json wire format. Runtime-only state
// (container status, discovered peers, ssl state) is not persisted; domains
// re-detect pems from disk on load.
type storedDocument struct {
	Projects []storedProject `json:"projects"`
	Domains  []storedDomain  `json:"domains"`
}

type storedProject struct {
	ID   uuid.UUID  `json:"id"`
	Name string     `json:"name"`
	Kind storedKind `json:"project_type"`
}

type storedKind struct {
	PortForward *PortForward     `json:"PortForward,omitempty"`
	Container   *storedContainer `json:"Container,omitempty"`
}

type storedContainer struct {
	ExposedPorts []storedExposedPort `json:"exposed_ports"`
	EnvVars      []EnvVar            `json:"env_vars,omitempty"`
	Tokens       map[string]Token    `json:"tokens,omitempty"`
}

type storedExposedPort struct {
	ContainerPort uint16   `json:"container_port"`
	HostPort      *uint16  `json:"host_port,omitempty"`
	Domains       []string `json:"domains,omitempty"`
}

type storedDomain struct {
	Domain    string    `json:"domain"`
	ProjectID uuid.UUID `json:"project_id"`
}

// Load reads projects.json and rebuilds the registry. Domains go through the
// same path as AddDomain so certificates already on disk are detected the same
// way. A missing state file is not an error, the registry starts empty.
func (s *Service) Load() error {
	b, err := os.ReadFile(s.stateFile())
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[DEBUG] no state file %s, starting with empty registry", s.stateFile())
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", s.stateFile(), err)
	}

	var doc storedDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.stateFile(), err)
	}

	s.lock.Lock()
	for _, sp := range doc.Projects {
		s.projects[sp.ID] = sp.toProject()
	}
	s.lock.Unlock()

	for _, d := range doc.Domains {
		if _, err := s.addDomain(d.ProjectID, d.Domain); err != nil {
			log.Printf("[WARN] skipped domain %s on load, %v", d.Domain, err)
		}
	}

	log.Printf("[INFO] loaded registry with %d projects and %d domains", len(doc.Projects), len(doc.Domains))
	return nil
}

// GetProject returns a copy of the project by id
func (s *Service) GetProject(id uuid.UUID) (Project, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, false
	}
	return p.clone(), true
}

// ListProjects returns copies of all projects, sorted by name and id for
// deterministic output
func (s *Service) ListProjects() []Project {
	s.lock.RLock()
	res := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		res = append(res, p.clone())
	}
	s.lock.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].ID.String() < res[j].ID.String()
	})
	return res
}

// AddProject generates an id, inserts the project and persists the registry
func (s *Service) AddProject(name string, kind ProjectKind) (Project, error) {
	if name == "" {
		return Project{}, fmt.Errorf("empty project name: %w", ErrInvalidInput)
	}
	if err := kind.Valid(); err != nil {
		return Project{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}

	p := Project{ID: uuid.New(), Name: name, Kind: kind}.clone()
	s.lock.Lock()
	s.projects[p.ID] = p
	s.lock.Unlock()

	log.Printf("[INFO] added project %q %s", name, p.ID)
	return p.clone(), s.persist()
}

// UpdateProject replaces the project atomically, the id is immutable and
// taken from the argument, not the replacement value
func (s *Service) UpdateProject(id uuid.UUID, p Project) error {
	p.ID = id
	p = p.clone()

	s.lock.Lock()
	if _, ok := s.projects[id]; !ok {
		s.lock.Unlock()
		return fmt.Errorf("project %s: %w", id, ErrProjectNotFound)
	}
	s.projects[id] = p
	s.lock.Unlock()

	return s.persist()
}

// RemoveProject deletes the project with all domains attached to it
func (s *Service) RemoveProject(id uuid.UUID) error {
	s.lock.Lock()
	if _, ok := s.projects[id]; !ok {
		s.lock.Unlock()
		return fmt.Errorf("project %s: %w", id, ErrProjectNotFound)
	}
	delete(s.projects, id)
	var removed []string
	for d, st := range s.domains {
		if st.ProjectID == id {
			removed = append(removed, d)
			delete(s.domains, d)
		}
	}
	s.lock.Unlock()

	for _, d := range removed {
		s.certs.Remove(d)
	}
	log.Printf("[INFO] removed project %s with %d domains", id, len(removed))
	return s.persist()
}

// AddDomain attaches a lowercased domain to the project. If pem files for the
// domain already exist on disk the domain starts as provisioned and the
// certificate goes to the sink, otherwise provisioning starts from scratch.
// Re-adding an already attached domain is a no-op.
func (s *Service) AddDomain(projectID uuid.UUID, name string) (DomainStatus, error) {
	res, err := s.addDomain(projectID, name)
	if err != nil {
		return DomainStatus{}, err
	}
	return res, s.persist()
}

func (s *Service) addDomain(projectID uuid.UUID, name string) (DomainStatus, error) {
	domain := NormalizeDomain(name)
	if domain == "" {
		return DomainStatus{}, fmt.Errorf("empty domain: %w", ErrInvalidInput)
	}

	cert, certErr := s.loadCertificate(domain) // disk probe before taking the lock

	s.lock.Lock()
	if _, ok := s.projects[projectID]; !ok {
		s.lock.Unlock()
		return DomainStatus{}, fmt.Errorf("project %s: %w", projectID, ErrProjectNotFound)
	}
	if cur, ok := s.domains[domain]; ok {
		s.lock.Unlock()
		if cur.ProjectID != projectID {
			return DomainStatus{}, fmt.Errorf("domain %s belongs to project %s: %w", domain, cur.ProjectID, ErrConflict)
		}
		return cur, nil
	}

	ssl := SSLNotProvisioned
	if certErr == nil {
		// sink first so the registry never reports provisioned before the
		// tls acceptor can actually serve the certificate
		s.certs.Set(domain, cert)
		ssl = SSLProvisioned
	}
	res := DomainStatus{ProjectID: projectID, SSL: ssl}
	s.domains[domain] = res
	s.lock.Unlock()

	log.Printf("[INFO] added domain %s to project %s, ssl %s", domain, projectID, ssl)
	return res, nil
}

// GetDomain returns the domain status by name, name matching is
// case-insensitive with the trailing dot ignored
func (s *Service) GetDomain(name string) (DomainStatus, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	st, ok := s.domains[NormalizeDomain(name)]
	return st, ok
}

// ListDomains returns all domains sorted by name
func (s *Service) ListDomains() []DomainInfo {
	s.lock.RLock()
	res := make([]DomainInfo, 0, len(s.domains))
	for d, st := range s.domains {
		res = append(res, DomainInfo{Name: d, ProjectID: st.ProjectID, SSL: st.SSL})
	}
	s.lock.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// DomainsFor returns domains attached to the given project, sorted by name
func (s *Service) DomainsFor(projectID uuid.UUID) []DomainInfo {
	s.lock.RLock()
	var res []DomainInfo
	for d, st := range s.domains {
		if st.ProjectID == projectID {
			res = append(res, DomainInfo{Name: d, ProjectID: st.ProjectID, SSL: st.SSL})
		}
	}
	s.lock.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// UpdateDomainStatus replaces the domain status value. The (domain, project)
// pair is what's persisted and it doesn't change here, so no disk write.
func (s *Service) UpdateDomainStatus(name string, st DomainStatus) error {
	domain := NormalizeDomain(name)
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.domains[domain]; !ok {
		return fmt.Errorf("domain %s: %w", domain, ErrDomainNotFound)
	}
	s.domains[domain] = st
	return nil
}

// SetSSLState updates provisioning state keeping the project reference intact
func (s *Service) SetSSLState(name string, ssl SSLState) error {
	domain := NormalizeDomain(name)
	s.lock.Lock()
	defer s.lock.Unlock()
	st, ok := s.domains[domain]
	if !ok {
		return fmt.Errorf("domain %s: %w", domain, ErrDomainNotFound)
	}
	st.SSL = ssl
	s.domains[domain] = st
	return nil
}

// ClaimProvisioning picks the first domain waiting for a certificate and
// atomically flips it to provisioning. The transition serializes workers, two
// of them can't get the same domain.
func (s *Service) ClaimProvisioning() (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var names []string
	for d, st := range s.domains {
		if st.SSL == SSLNotProvisioned {
			names = append(names, d)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)

	domain := names[0]
	st := s.domains[domain]
	st.SSL = SSLProvisioning
	s.domains[domain] = st
	return domain, true
}

// ClaimContainerCreate flips a container project from none to creating and
// returns the claimed snapshot. False when the project is gone, not a
// container or already past none.
func (s *Service) ClaimContainerCreate(id uuid.UUID) (Project, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	p, ok := s.projects[id]
	if !ok || p.Kind.Container == nil || p.Kind.Container.Status.State != ContainerNone {
		return Project{}, false
	}
	p = p.clone()
	p.Kind.Container.Status = ContainerStatus{State: ContainerCreating}
	for i := range p.Kind.Container.ExposedPorts {
		p.Kind.Container.ExposedPorts[i].Peer = nil
	}
	s.projects[id] = p
	return p.clone(), true
}

// SetContainerStatus sets a non-running reconciler status. Discovered peers
// are dropped, they are only valid next to a running container.
func (s *Service) SetContainerStatus(id uuid.UUID, status ContainerStatus) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, ErrProjectNotFound)
	}
	if p.Kind.Container == nil {
		return fmt.Errorf("project %s: %w", id, ErrNotContainer)
	}
	p = p.clone()
	p.Kind.Container.Status = status
	if status.State != ContainerRunning {
		for i := range p.Kind.Container.ExposedPorts {
			p.Kind.Container.ExposedPorts[i].Peer = nil
		}
	}
	s.projects[id] = p
	return nil
}

// SetContainerRunning records the running container and all discovered
// host-side peers in a single atomic replace, so the running status never
// becomes visible ahead of the ports backing it
func (s *Service) SetContainerRunning(id uuid.UUID, containerID string, peers map[uint16]Peer) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, ErrProjectNotFound)
	}
	if p.Kind.Container == nil {
		return fmt.Errorf("project %s: %w", id, ErrNotContainer)
	}
	p = p.clone()
	p.Kind.Container.Status = ContainerStatus{State: ContainerRunning, ContainerID: containerID}
	for i := range p.Kind.Container.ExposedPorts {
		if peer, found := peers[p.Kind.Container.ExposedPorts[i].ContainerPort]; found {
			cp := peer
			p.Kind.Container.ExposedPorts[i].Peer = &cp
			continue
		}
		p.Kind.Container.ExposedPorts[i].Peer = nil
	}
	s.projects[id] = p
	return nil
}

// ValidateToken checks the upload token against the container project
func (s *Service) ValidateToken(projectID uuid.UUID, token string) error {
	s.lock.RLock()
	defer s.lock.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrProjectNotFound)
	}
	if p.Kind.Container == nil {
		return fmt.Errorf("project %s: %w", projectID, ErrNotContainer)
	}
	for _, t := range p.Kind.Container.Tokens {
		if t.Value != token {
			continue
		}
		if t.Expired(time.Now()) {
			return fmt.Errorf("token for project %s: %w", projectID, ErrTokenExpired)
		}
		return nil
	}
	return fmt.Errorf("token for project %s: %w", projectID, ErrTokenInvalid)
}

// persist writes the registry to projects.json. Serialized separately from the
// registry lock, the document is built under the shared lock only.
func (s *Service) persist() error {
	s.persistLock.Lock()
	defer s.persistLock.Unlock()

	s.lock.RLock()
	doc := storedDocument{Projects: []storedProject{}, Domains: []storedDomain{}}
	for _, p := range s.projects {
		doc.Projects = append(doc.Projects, toStored(p))
	}
	for d, st := range s.domains {
		doc.Domains = append(doc.Domains, storedDomain{Domain: d, ProjectID: st.ProjectID})
	}
	s.lock.RUnlock()

	sort.Slice(doc.Projects, func(i, j int) bool { return doc.Projects[i].ID.String() < doc.Projects[j].ID.String() })
	sort.Slice(doc.Domains, func(i, j int) bool { return doc.Domains[i].Domain < doc.Domains[j].Domain })

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	if err := os.WriteFile(s.stateFile(), b, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.stateFile(), err)
	}
	return nil
}

func (s *Service) stateFile() string { return filepath.Join(s.home, "projects.json") }

// loadCertificate probes the on-disk pem pair for a domain
func (s *Service) loadCertificate(domain string) (*tls.Certificate, error) {
	dir := filepath.Join(s.home, "certificates", domain)
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func toStored(p Project) storedProject {
	res := storedProject{ID: p.ID, Name: p.Name}
	if p.Kind.PortForward != nil {
		pf := *p.Kind.PortForward
		res.Kind.PortForward = &pf
	}
	if p.Kind.Container != nil {
		c := storedContainer{ExposedPorts: []storedExposedPort{}, Tokens: p.Kind.Container.Tokens}
		for _, ep := range p.Kind.Container.ExposedPorts {
			c.ExposedPorts = append(c.ExposedPorts, storedExposedPort{
				ContainerPort: ep.ContainerPort, HostPort: ep.HostPort, Domains: ep.Domains})
		}
		c.EnvVars = p.Kind.Container.EnvVars
		res.Kind.Container = &c
	}
	return res
}

func (sp storedProject) toProject() Project {
	res := Project{ID: sp.ID, Name: sp.Name}
	if sp.Kind.PortForward != nil {
		pf := *sp.Kind.PortForward
		res.Kind.PortForward = &pf
	}
	if sp.Kind.Container != nil {
		c := Container{EnvVars: sp.Kind.Container.EnvVars, Tokens: sp.Kind.Container.Tokens}
		for _, ep := range sp.Kind.Container.ExposedPorts {
			c.ExposedPorts = append(c.ExposedPorts, ExposedPort{
				ContainerPort: ep.ContainerPort, HostPort: ep.HostPort, Domains: ep.Domains})
		}
		res.Kind.Container = &c
	}
	return res.clone()
}
