// Package store implements the project and domain registry, the shared source
// of truth linking domains to projects to backend peers. Kept in memory behind
// a read/write lock and persisted to projects.json under the state root.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project is a user-defined unit of deployment. ID is immutable, all other
// fields are replaced atomically by registry updates.
type Project struct {
	ID   uuid.UUID   `json:"id"`
	Name string      `json:"name"`
	Kind ProjectKind `json:"project_type"`
}

// ProjectKind is a tagged variant, exactly one of the fields set.
// Serialized externally-tagged, i.e. {"PortForward": {...}} or {"Container": {...}}
type ProjectKind struct {
	PortForward *PortForward `json:"PortForward,omitempty"`
	Container   *Container   `json:"Container,omitempty"`
}

// Valid checks exactly one variant is set
func (k ProjectKind) Valid() error {
	if k.PortForward == nil && k.Container == nil {
		return fmt.Errorf("project kind not set")
	}
	if k.PortForward != nil && k.Container != nil {
		return fmt.Errorf("ambiguous project kind, both variants set")
	}
	if k.PortForward != nil && k.PortForward.Port == 0 {
		return fmt.Errorf("port-forward project with zero port")
	}
	return nil
}

// PortForward projects proxy to a fixed local backend port
type PortForward struct {
	Port uint16 `json:"port"`
}

// Peer derives the backend descriptor from the fixed port, always plaintext loopback
func (p PortForward) Peer() Peer {
	return Peer{HostPort: fmt.Sprintf("127.0.0.1:%d", p.Port), TLS: false}
}

// Container projects run a docker container made from an uploaded image
type Container struct {
	ExposedPorts []ExposedPort    `json:"exposed_ports"`
	EnvVars      []EnvVar         `json:"env_vars,omitempty"`
	Tokens       map[string]Token `json:"tokens,omitempty"`
	Status       ContainerStatus  `json:"status"`
}

// ExposedPort declares a container port the gateway can route domains to.
// HostPort is an optional explicit publish request, Peer is set by the container
// manager after it observes the actual host-side binding.
type ExposedPort struct {
	ContainerPort uint16   `json:"container_port"`
	HostPort      *uint16  `json:"host_port,omitempty"`
	Domains       []string `json:"domains,omitempty"`
	Peer          *Peer    `json:"peer,omitempty"`
}

// HasDomain reports whether the port serves the given (normalized) domain
func (e ExposedPort) HasDomain(domain string) bool {
	for _, d := range e.Domains {
		if NormalizeDomain(d) == domain {
			return true
		}
	}
	return false
}

// EnvVar is a single environment variable passed to the container
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Token authorizes image uploads for a container project
type Token struct {
	Value  string     `json:"value"`
	Expiry *time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the token is past its expiry, tokens without
// expiry never expire
func (t Token) Expired(now time.Time) bool {
	return t.Expiry != nil && t.Expiry.Before(now)
}

// Peer is an opaque backend descriptor the gateway forwards to
type Peer struct {
	HostPort string `json:"host_port"`
	TLS      bool   `json:"tls"`
	SNI      string `json:"sni,omitempty"`
}

// URL returns the upstream url for the peer
func (p Peer) URL() string {
	if p.TLS {
		return "https://" + p.HostPort
	}
	return "http://" + p.HostPort
}

// ContainerState describes where the reconciler got to with a container project
type ContainerState int8

// enum of all container states
const (
	ContainerNone ContainerState = iota
	ContainerCreating
	ContainerFailed
	ContainerRunning
)

func (s ContainerState) String() string {
	switch s {
	case ContainerNone:
		return "none"
	case ContainerCreating:
		return "creating"
	case ContainerFailed:
		return "failed"
	case ContainerRunning:
		return "running"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form
func (s ContainerState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the string form of the state
func (s *ContainerState) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(b), `"`) {
	case "none":
		*s = ContainerNone
	case "creating":
		*s = ContainerCreating
	case "failed":
		*s = ContainerFailed
	case "running":
		*s = ContainerRunning
	default:
		return fmt.Errorf("unknown container state %s", b)
	}
	return nil
}

// ContainerStatus is the reconciler-owned runtime status of a container project.
// ContainerID set only in running state.
type ContainerStatus struct {
	State       ContainerState `json:"state"`
	ContainerID string         `json:"container_id,omitempty"`
}

// SSLState describes certificate provisioning progress for a domain
type SSLState int8

// enum of all ssl states
const (
	SSLNotProvisioned SSLState = iota
	SSLProvisioning
	SSLProvisioned
)

func (s SSLState) String() string {
	switch s {
	case SSLNotProvisioned:
		return "not_provisioned"
	case SSLProvisioning:
		return "provisioning"
	case SSLProvisioned:
		return "provisioned"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form
func (s SSLState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the string form of the state
func (s *SSLState) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(b), `"`) {
	case "not_provisioned":
		*s = SSLNotProvisioned
	case "provisioning":
		*s = SSLProvisioning
	case "provisioned":
		*s = SSLProvisioned
	default:
		return fmt.Errorf("unknown ssl state %s", b)
	}
	return nil
}

// DomainStatus links a domain to its project and tracks certificate provisioning.
// Domains live in their own map as they have a lifecycle separate from projects,
// the cross-reference is by id only.
type DomainStatus struct {
	ProjectID uuid.UUID `json:"project_id"`
	SSL       SSLState  `json:"ssl"`
}

// DomainInfo is a domain map entry with its key attached, used by list operations
type DomainInfo struct {
	Name      string    `json:"domain"`
	ProjectID uuid.UUID `json:"project_id"`
	SSL       SSLState  `json:"ssl"`
}

// NormalizeDomain brings a domain name to the canonical form used for
// map keys and comparisons - ascii lowercase, no surrounding space and
// no trailing dot
func NormalizeDomain(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, ".")
	return name
}

// clone makes a deep copy of the project so registry readers and writers
// never share backing slices or maps
func (p Project) clone() Project {
	res := Project{ID: p.ID, Name: p.Name}
	if p.Kind.PortForward != nil {
		pf := *p.Kind.PortForward
		res.Kind.PortForward = &pf
	}
	if p.Kind.Container != nil {
		c := Container{Status: p.Kind.Container.Status}
		if p.Kind.Container.ExposedPorts != nil {
			c.ExposedPorts = make([]ExposedPort, len(p.Kind.Container.ExposedPorts))
			for i, ep := range p.Kind.Container.ExposedPorts {
				cp := ExposedPort{ContainerPort: ep.ContainerPort}
				if ep.HostPort != nil {
					hp := *ep.HostPort
					cp.HostPort = &hp
				}
				if ep.Domains != nil {
					cp.Domains = append([]string{}, ep.Domains...)
				}
				if ep.Peer != nil {
					peer := *ep.Peer
					cp.Peer = &peer
				}
				c.ExposedPorts[i] = cp
			}
		}
		if p.Kind.Container.EnvVars != nil {
			c.EnvVars = append([]EnvVar{}, p.Kind.Container.EnvVars...)
		}
		if p.Kind.Container.Tokens != nil {
			c.Tokens = make(map[string]Token, len(p.Kind.Container.Tokens))
			for k, v := range p.Kind.Container.Tokens {
				c.Tokens[k] = v
			}
		}
		res.Kind.Container = &c
	}
	return res
}
