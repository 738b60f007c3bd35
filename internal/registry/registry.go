// Package registry implements ServiceRegistry: a per-run, in-memory,
// insertion-ordered map of declared services to their network/host
// endpoints, used to derive the connection variables injected into
// dependent manifests. A Registry lives for one orchestrator
// invocation and is discarded on stop.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lakowske/poststack/internal/poststack"
)

// NetworkingMode selects which endpoint a dependent prefers.
type NetworkingMode string

const (
	ModeHost   NetworkingMode = "host"
	ModeBridge NetworkingMode = "bridge"
)

// Endpoint is one addressable location for a service.
type Endpoint struct {
	Host     string
	Port     int
	Protocol string
}

// URL renders the endpoint as a connection URL. user/pass/db are only
// meaningful for protocols that use them (e.g. postgresql); for others
// they are ignored.
func (e Endpoint) URL(user, pass, db string) string {
	if e.Host == "" {
		return ""
	}
	switch e.Protocol {
	case "postgresql":
		auth := ""
		if user != "" {
			auth = user
			if pass != "" {
				auth += ":" + pass
			}
			auth += "@"
		}
		return fmt.Sprintf("postgresql://%s%s:%d/%s", auth, e.Host, e.Port, db)
	default:
		return fmt.Sprintf("%s://%s:%d", e.Protocol, e.Host, e.Port)
	}
}

// Record is a registered service: its declared type, networking mode,
// the endpoint pair it resolved to, and the raw variables it was
// registered with.
type Record struct {
	Name           string
	Type           string
	NetworkingMode NetworkingMode
	NetworkEndpoint *Endpoint
	HostEndpoint    *Endpoint
	Variables       map[string]string
}

// Registry is the per-invocation ServiceRegistry. Zero value is not
// usable; use New.
type Registry struct {
	mu          sync.Mutex
	project     string
	environment string
	order       []string
	records     map[string]*Record
}

// New creates an empty Registry scoped to one project/environment pair,
// used to synthesize the stable DNS name for network endpoints
// ({project}-{service}-{env}).
func New(project, environment string) *Registry {
	return &Registry{
		project:     project,
		environment: environment,
		records:     map[string]*Record{},
	}
}

// defaultEndpoint implements the per-type synthesis table: postgres
// gets 5432/postgresql, web gets 80/http or 443/https, anything else
// is configurable with an 8080/tcp default.
func defaultEndpoint(serviceType string, variables map[string]string) (containerPort int, protocol string) {
	switch serviceType {
	case "postgres":
		return 5432, "postgresql"
	case "web":
		if variables["TLS_ENABLED"] == "true" {
			return 443, "https"
		}
		return 80, "http"
	default:
		port := 8080
		proto := "tcp"
		if v, ok := variables["PORT"]; ok {
			fmt.Sscanf(v, "%d", &port)
		}
		if v, ok := variables["PROTOCOL"]; ok {
			proto = v
		}
		return port, proto
	}
}

func networkingMode(name string, variables, globals map[string]string) NetworkingMode {
	if v := variables[strings.ToUpper(name)+"_USE_HOST_NETWORK"]; v == "true" {
		return ModeHost
	}
	if v := globals["NETWORK_MODE"]; v == "host" {
		return ModeHost
	}
	return ModeBridge
}

// Register derives the networking mode and synthesizes the endpoint
// pair for a service. globals carries project-wide
// variables (e.g. NETWORK_MODE) that register needs but that aren't
// specific to this one service.
func (r *Registry) Register(name, serviceType string, variables, globals map[string]string, hostPort int) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	containerPort, protocol := defaultEndpoint(serviceType, variables)
	mode := networkingMode(name, variables, globals)

	rec := &Record{
		Name:           name,
		Type:           serviceType,
		NetworkingMode: mode,
		Variables:      variables,
		NetworkEndpoint: &Endpoint{
			Host:     fmt.Sprintf("%s-%s-%s", r.project, name, r.environment),
			Port:     containerPort,
			Protocol: protocol,
		},
	}
	if hostPort > 0 {
		rec.HostEndpoint = &Endpoint{Host: "localhost", Port: hostPort, Protocol: protocol}
	}

	if _, exists := r.records[name]; !exists {
		r.order = append(r.order, name)
	}
	r.records[name] = rec
	return rec
}

// Get returns the record for a registered service name.
func (r *Registry) Get(name string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	return rec, ok
}

// Names returns registered service names in insertion order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// VariablesFor computes the connection variables a target in
// targetMode should see for each of its declared dependencies: host
// targets prefer the host endpoint, bridge targets the network
// endpoint, each falling back to the other when the preferred one is
// absent. Credentials (user/pass/db) are looked up
// per dependency from creds, keyed by service name; postgres-typed
// dependencies get the full typed variable set, others get the generic
// {SERVICE_UPPER}_URL/_HOST/_PORT trio.
func (r *Registry) VariablesFor(dependencies []string, targetMode NetworkingMode, creds map[string]Credentials) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[string]string{}
	for _, dep := range dependencies {
		rec, ok := r.records[dep]
		if !ok {
			return nil, poststack.New(poststack.ConfigInvalid, "service registry: dependency %q is not registered", dep)
		}

		var ep *Endpoint
		var found bool
		if targetMode == ModeHost {
			ep, found = firstNonNil(rec.HostEndpoint, rec.NetworkEndpoint)
		} else {
			ep, found = firstNonNil(rec.NetworkEndpoint, rec.HostEndpoint)
		}
		if !found {
			return nil, poststack.New(poststack.ConfigInvalid, "service registry: dependency %q has no reachable endpoint for mode %q", dep, targetMode)
		}

		cred := creds[dep]
		upper := strings.ToUpper(sanitizeVarName(dep))

		if rec.Type == "postgres" {
			url := ep.URL(cred.User, cred.Password, cred.Database)
			out["POSTGRES_URL"] = url
			out["DATABASE_URL"] = url
			out["POSTGRES_HOST"] = ep.Host
			out["POSTGRES_PORT"] = fmt.Sprintf("%d", ep.Port)
			out["POSTGRES_USER"] = cred.User
			out["POSTGRES_PASSWORD"] = cred.Password
			out["POSTGRES_DATABASE"] = cred.Database
			continue
		}

		out[upper+"_URL"] = ep.URL(cred.User, cred.Password, cred.Database)
		out[upper+"_HOST"] = ep.Host
		out[upper+"_PORT"] = fmt.Sprintf("%d", ep.Port)
	}
	return out, nil
}

// Credentials carries the auth triple needed to build a connection URL
// for a dependency (only meaningful for database-like services).
type Credentials struct {
	User     string
	Password string
	Database string
}

func firstNonNil(a, b *Endpoint) (*Endpoint, bool) {
	if a != nil {
		return a, true
	}
	if b != nil {
		return b, true
	}
	return nil, false
}

func sanitizeVarName(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}

// DebugDump returns a stable, sorted textual summary of all registered
// records: name, type, and networking mode.
func (r *Registry) DebugDump() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.records))
	for n := range r.records {
		names = append(names, n)
	}
	sort.Strings(names)
	var lines []string
	for _, n := range names {
		rec := r.records[n]
		lines = append(lines, fmt.Sprintf("%s (%s, %s)", rec.Name, rec.Type, rec.NetworkingMode))
	}
	return lines
}
