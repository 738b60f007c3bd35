package registry

import "testing"

func TestRegisterSynthesizesPostgresEndpoints(t *testing.T) {
	r := New("myapp", "dev")
	rec := r.Register("postgres", "postgres", nil, nil, 55432)

	if rec.NetworkEndpoint == nil || rec.NetworkEndpoint.Port != 5432 {
		t.Fatalf("expected network endpoint on port 5432, got %+v", rec.NetworkEndpoint)
	}
	if rec.NetworkEndpoint.Host != "myapp-postgres-dev" {
		t.Errorf("expected stable DNS name myapp-postgres-dev, got %q", rec.NetworkEndpoint.Host)
	}
	if rec.HostEndpoint == nil || rec.HostEndpoint.Port != 55432 {
		t.Fatalf("expected host endpoint on port 55432, got %+v", rec.HostEndpoint)
	}
	if rec.NetworkingMode != ModeBridge {
		t.Errorf("expected default bridge mode, got %q", rec.NetworkingMode)
	}
}

func TestRegisterHostNetworkOverride(t *testing.T) {
	r := New("myapp", "dev")
	rec := r.Register("web", "web", map[string]string{"WEB_USE_HOST_NETWORK": "true"}, nil, 8080)
	if rec.NetworkingMode != ModeHost {
		t.Errorf("expected host mode from per-service override, got %q", rec.NetworkingMode)
	}
}

func TestVariablesForPreferenceTable(t *testing.T) {
	r := New("myapp", "dev")
	r.Register("postgres", "postgres", nil, nil, 55432)

	creds := map[string]Credentials{"postgres": {User: "app", Password: "secret", Database: "appdb"}}

	bridge, err := r.VariablesFor([]string{"postgres"}, ModeBridge, creds)
	if err != nil {
		t.Fatalf("VariablesFor(bridge): %v", err)
	}
	if bridge["POSTGRES_HOST"] != "myapp-postgres-dev" {
		t.Errorf("bridge mode should prefer network endpoint, got %q", bridge["POSTGRES_HOST"])
	}

	host, err := r.VariablesFor([]string{"postgres"}, ModeHost, creds)
	if err != nil {
		t.Fatalf("VariablesFor(host): %v", err)
	}
	if host["POSTGRES_HOST"] != "localhost" {
		t.Errorf("host mode should prefer host endpoint, got %q", host["POSTGRES_HOST"])
	}
	if host["DATABASE_URL"] == "" {
		t.Error("expected DATABASE_URL to be populated")
	}
}

func TestVariablesForFallbackWhenPreferredMissing(t *testing.T) {
	r := New("myapp", "dev")
	// hostPort 0 => no host endpoint synthesized.
	r.Register("postgres", "postgres", nil, nil, 0)

	vars, err := r.VariablesFor([]string{"postgres"}, ModeHost, nil)
	if err != nil {
		t.Fatalf("expected fallback to network endpoint, got error: %v", err)
	}
	if vars["POSTGRES_HOST"] != "myapp-postgres-dev" {
		t.Errorf("expected fallback to network endpoint, got %q", vars["POSTGRES_HOST"])
	}
}

func TestVariablesForMissingDependencyFails(t *testing.T) {
	r := New("myapp", "dev")
	_, err := r.VariablesFor([]string{"cache"}, ModeBridge, nil)
	if err == nil {
		t.Fatal("expected error for unregistered dependency")
	}
}

func TestVariablesForGenericService(t *testing.T) {
	r := New("myapp", "dev")
	r.Register("worker-queue", "other", map[string]string{"PORT": "9000"}, nil, 0)

	vars, err := r.VariablesFor([]string{"worker-queue"}, ModeBridge, nil)
	if err != nil {
		t.Fatalf("VariablesFor: %v", err)
	}
	if vars["WORKER_QUEUE_PORT"] != "9000" {
		t.Errorf("expected WORKER_QUEUE_PORT=9000, got %q", vars["WORKER_QUEUE_PORT"])
	}
}
