package runtime

import (
	"reflect"
	"strings"
	"testing"
)

func TestBuildRunArgs(t *testing.T) {
	spec := ContainerSpec{
		Name:  "myproj-postgres-dev",
		Image: "postgres:16",
		Env:   map[string]string{"POSTGRES_DB": "app"},
		Ports: []PortMapping{{HostPort: 5433, ContainerPort: 5432}},
		Volumes: []VolumeMount{
			{Source: "poststack-postgres-dev-data", Target: "/var/lib/postgresql/data"},
		},
	}
	args := buildRunArgs(spec)

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run -d --name myproj-postgres-dev",
		"-e POSTGRES_DB=app",
		"-p 5433:5432",
		"-v poststack-postgres-dev-data:/var/lib/postgresql/data",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "postgres:16" {
		t.Errorf("expected image last, got %v", args)
	}
}

func TestBuildRunArgsNetworkAndRemove(t *testing.T) {
	args := buildRunArgs(ContainerSpec{Name: "c", Image: "i", Network: "host", RemoveOnExit: true})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--network host") || !strings.Contains(joined, "--rm") {
		t.Errorf("expected network and rm flags, got %v", args)
	}
}

func TestSplitIDs(t *testing.T) {
	out := "Pod:\nabc123\n\nContainer: skipped\ndef456\n"
	got := splitIDs(out)
	want := []string{"abc123", "def456"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitIDs = %v, want %v", got, want)
	}
}

func TestRegistryRegisterAndDefault(t *testing.T) {
	Register("fake-a", NewCLIDriver("fake-a"))
	Register("fake-b", NewCLIDriver("fake-b"))

	if d, ok := Get("fake-b"); !ok || d.Name() != "fake-b" {
		t.Errorf("Get(fake-b) = %v, %v", d, ok)
	}
	if d, ok := Default(); !ok || d.Name() == "" {
		t.Errorf("Default() = %v, %v", d, ok)
	}
	names := Names()
	found := 0
	for _, n := range names {
		if n == "fake-a" || n == "fake-b" {
			found++
		}
	}
	if found != 2 {
		t.Errorf("Names() missing registered backends: %v", names)
	}
}
