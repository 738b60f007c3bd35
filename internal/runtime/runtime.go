// Package runtime abstracts the container runtime behind one boundary:
// the capability set {build, run, stop, remove, inspect, apply, down,
// wait, logs}, so podman and docker backends are interchangeable.
//
// Both backends shell out to an external CLI via exec.CommandContext,
// so callers can cancel a long-running container operation through the
// ambient context.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lakowske/poststack/internal/poststack"
)

// ContainerState mirrors what `inspect_container` reports.
type ContainerState string

const (
	StateAbsent  ContainerState = "absent"
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StateOther   ContainerState = "other"
)

// Inspection is the result of inspecting a container by name.
type Inspection struct {
	Name     string
	State    ContainerState
	ExitCode *int
}

// ContainerSpec is the input to Run.
type ContainerSpec struct {
	Name       string
	Image      string
	Env        map[string]string
	Ports      []PortMapping // host:container
	Volumes    []VolumeMount
	Command    []string
	Network    string
	RemoveOnExit bool
}

// PortMapping is one published host:container port pair.
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// VolumeMount binds a named volume (or host path) into the container.
type VolumeMount struct {
	Source string
	Target string
}

// ManifestKind distinguishes pod-style and compose-style manifests for
// apply/down.
type ManifestKind string

const (
	ManifestPod     ManifestKind = "pod"
	ManifestCompose ManifestKind = "compose"
)

// ApplyResult is what apply_manifest returns: enough to find/tear down
// the resulting workload later.
type ApplyResult struct {
	Descriptor string // runtime-assigned pod/project name
	Containers []string
}

// Driver is the RuntimeDriver capability set.
type Driver interface {
	Name() string
	BuildImage(ctx context.Context, name, buildContext string) (string, error)
	ImageExists(ctx context.Context, name string) (bool, error)
	RunContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, name string) error
	InspectContainer(ctx context.Context, name string) (Inspection, error)
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, name string, force bool) error
	RemoveVolume(ctx context.Context, name string) error
	ApplyManifest(ctx context.Context, kind ManifestKind, text string) (ApplyResult, error)
	DownManifest(ctx context.Context, kind ManifestKind, text string, remove bool) error
	WaitExit(ctx context.Context, container string, timeout time.Duration) (int, error)
	Logs(ctx context.Context, container string) (string, error)
}

// registry holds the pluggable Driver backends behind an RWMutex, with
// the first registration becoming the default.
type registry struct {
	mu        sync.RWMutex
	drivers   map[string]Driver
	defaultID string
}

var global = &registry{drivers: map[string]Driver{}}

// Register adds a Driver under name. The first Driver registered
// becomes the default.
func Register(name string, d Driver) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.drivers[name] = d
	if global.defaultID == "" {
		global.defaultID = name
	}
}

// Get returns a registered Driver by name.
func Get(name string) (Driver, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	d, ok := global.drivers[name]
	return d, ok
}

// Default returns the first-registered Driver.
func Default() (Driver, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.defaultID == "" {
		return nil, false
	}
	return global.drivers[global.defaultID], true
}

// Names lists registered backend names.
func Names() []string {
	global.mu.RLock()
	defer global.mu.RUnlock()
	names := make([]string, 0, len(global.drivers))
	for n := range global.drivers {
		names = append(names, n)
	}
	return names
}

// cliDriver implements Driver by shelling out to a podman- or
// docker-compatible binary. podman and docker share a CLI surface
// closely enough that one implementation serves both; only the binary
// name differs.
type cliDriver struct {
	binary string
}

// NewCLIDriver constructs a Driver backed by the named binary ("podman"
// or "docker"); both expose a compatible CLI surface.
func NewCLIDriver(binary string) Driver {
	return &cliDriver{binary: binary}
}

func (c *cliDriver) Name() string { return c.binary }

// run executes the backend binary, returning trimmed combined output.
func (c *cliDriver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

// runCapture is run's stdout-only variant (grounded on RunCapture).
func (c *cliDriver) runCapture(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), err
}

func (c *cliDriver) BuildImage(ctx context.Context, name, buildContext string) (string, error) {
	out, err := c.run(ctx, "build", "-t", name, buildContext)
	if err != nil {
		return "", poststack.Wrap(poststack.RuntimeFailure, err, "%s build %s: %s", c.binary, name, out)
	}
	id, lookupErr := c.runCapture(ctx, "images", "-q", name)
	if lookupErr != nil {
		return "", poststack.Wrap(poststack.RuntimeFailure, lookupErr, "%s images -q %s", c.binary, name)
	}
	return id, nil
}

func (c *cliDriver) ImageExists(ctx context.Context, name string) (bool, error) {
	out, err := c.runCapture(ctx, "images", "-q", name)
	if err != nil {
		return false, poststack.Wrap(poststack.RuntimeUnavailable, err, "%s images -q %s", c.binary, name)
	}
	return out != "", nil
}

// buildRunArgs is split out from RunContainer so the argument-building
// logic can be tested without invoking a real container runtime.
func buildRunArgs(spec ContainerSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.RemoveOnExit {
		args = append(args, "--rm")
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort))
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", fmt.Sprintf("%s:%s", v.Source, v.Target))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

func (c *cliDriver) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := buildRunArgs(spec)
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", poststack.Wrap(poststack.RuntimeFailure, err, "%s run %s: %s", c.binary, spec.Name, out)
	}
	return out, nil
}

// StartContainer restarts an already-created, stopped container in
// place, preserving its volume instead of recreating it via
// RunContainer.
func (c *cliDriver) StartContainer(ctx context.Context, name string) error {
	out, err := c.run(ctx, "start", name)
	if err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "%s start %s: %s", c.binary, name, out)
	}
	return nil
}

func (c *cliDriver) InspectContainer(ctx context.Context, name string) (Inspection, error) {
	stateOut, err := c.runCapture(ctx, "inspect", "-f", "{{.State.Status}}", name)
	if err != nil {
		// Not found is not a driver error: the core treats "absent" as a
		// normal state in PostgresController's ensure() state machine.
		return Inspection{Name: name, State: StateAbsent}, nil
	}

	insp := Inspection{Name: name}
	switch strings.TrimSpace(stateOut) {
	case "running":
		insp.State = StateRunning
	case "exited", "":
		insp.State = StateExited
	default:
		insp.State = StateOther
	}

	if insp.State == StateExited {
		codeOut, err := c.runCapture(ctx, "inspect", "-f", "{{.State.ExitCode}}", name)
		if err == nil {
			if code, convErr := strconv.Atoi(strings.TrimSpace(codeOut)); convErr == nil {
				insp.ExitCode = &code
			}
		}
	}
	return insp, nil
}

func (c *cliDriver) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = 10
	}
	out, err := c.run(ctx, "stop", "-t", strconv.Itoa(secs), name)
	if err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "%s stop %s: %s", c.binary, name, out)
	}
	return nil
}

func (c *cliDriver) RemoveContainer(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	out, err := c.run(ctx, args...)
	if err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "%s rm %s: %s", c.binary, name, out)
	}
	return nil
}

// RemoveVolume deletes a named volume. Used by destroy, never by stop:
// stop always preserves the environment's data volume.
func (c *cliDriver) RemoveVolume(ctx context.Context, name string) error {
	out, err := c.run(ctx, "volume", "rm", name)
	if err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "%s volume rm %s: %s", c.binary, name, out)
	}
	return nil
}

// ApplyManifest and DownManifest hand already-expanded manifest text to
// the backend's compose/pod subcommand via stdin, so nothing is written
// to disk between expansion and apply.
func (c *cliDriver) ApplyManifest(ctx context.Context, kind ManifestKind, text string) (ApplyResult, error) {
	var args []string
	switch kind {
	case ManifestCompose:
		args = []string{"compose", "-f", "-", "up", "-d"}
	case ManifestPod:
		args = []string{"kube", "play", "-"}
	default:
		return ApplyResult{}, poststack.New(poststack.ConfigInvalid, "runtime: unknown manifest kind %q", kind)
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdin = strings.NewReader(text)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return ApplyResult{}, poststack.Wrap(poststack.RuntimeFailure, err, "%s %s: %s", c.binary, strings.Join(args, " "), out.String())
	}

	result := ApplyResult{Descriptor: strings.TrimSpace(out.String())}
	switch kind {
	case ManifestCompose:
		// The orchestrator waits on init containers by id; compose doesn't
		// print them on up, so list them in a second invocation.
		ps := exec.CommandContext(ctx, c.binary, "compose", "-f", "-", "ps", "-a", "-q")
		ps.Stdin = strings.NewReader(text)
		var psOut bytes.Buffer
		ps.Stdout = &psOut
		if err := ps.Run(); err == nil {
			result.Containers = splitIDs(psOut.String())
		}
	case ManifestPod:
		// kube play prints pod/container ids as bare lines.
		result.Containers = splitIDs(out.String())
	}
	return result, nil
}

// splitIDs extracts bare container-id lines from runtime output,
// skipping headers like "Pod:" and blank lines.
func splitIDs(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.ContainsAny(line, ": ") {
			continue
		}
		ids = append(ids, line)
	}
	return ids
}

// DownManifest tears down a manifest's workload. For compose manifests,
// remove=false stops the containers and keeps them; remove=true removes
// them. For pod manifests, kube down removes the pod whatever remove
// says.
func (c *cliDriver) DownManifest(ctx context.Context, kind ManifestKind, text string, remove bool) error {
	var args []string
	switch kind {
	case ManifestCompose:
		if remove {
			args = []string{"compose", "-f", "-", "down", "-v"}
		} else {
			args = []string{"compose", "-f", "-", "stop"}
		}
	case ManifestPod:
		args = []string{"kube", "down", "-"}
	default:
		return poststack.New(poststack.ConfigInvalid, "runtime: unknown manifest kind %q", kind)
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdin = strings.NewReader(text)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "%s %s: %s", c.binary, strings.Join(args, " "), out.String())
	}
	return nil
}

func (c *cliDriver) WaitExit(ctx context.Context, container string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		insp, err := c.InspectContainer(ctx, container)
		if err != nil {
			return 0, err
		}
		if insp.State == StateExited && insp.ExitCode != nil {
			return *insp.ExitCode, nil
		}
		if time.Now().After(deadline) {
			return 0, poststack.New(poststack.RuntimeFailure, "timed out waiting for %s to exit", container)
		}
		select {
		case <-ctx.Done():
			return 0, poststack.Wrap(poststack.Cancelled, ctx.Err(), "wait_exit for %s cancelled", container)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (c *cliDriver) Logs(ctx context.Context, container string) (string, error) {
	out, err := c.runCapture(ctx, "logs", container)
	if err != nil {
		return out, poststack.Wrap(poststack.RuntimeFailure, err, "%s logs %s", c.binary, container)
	}
	return out, nil
}
