package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want default 30s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.plant.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.PublicKeyFile != "/etc/batchflow/identity.pem" {
		t.Errorf("Identity.PublicKeyFile = %q", cfg.Identity.PublicKeyFile)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Identity.RolesClaim != "roles" {
		t.Errorf("Identity.RolesClaim = %q, want default roles", cfg.Identity.RolesClaim)
	}
	if cfg.Catalog.File != "/etc/batchflow/catalog.yaml" {
		t.Errorf("Catalog.File = %q", cfg.Catalog.File)
	}
	if cfg.Roles.File != "/etc/batchflow/roles.yaml" {
		t.Errorf("Roles.File = %q", cfg.Roles.File)
	}

	store := cfg.Workflow.Store
	if store.Driver != "postgres" || store.DSNEnv != "PLANT_DATABASE_URL" {
		t.Errorf("Workflow.Store = %+v", store)
	}
	if store.MaxOpenConns != 10 {
		t.Errorf("Workflow.Store.MaxOpenConns = %d, want 10", store.MaxOpenConns)
	}
	if store.MaxIdleConns != 5 {
		t.Errorf("Workflow.Store.MaxIdleConns = %d, want default 5", store.MaxIdleConns)
	}
	if cfg.Workflow.StuckThreshold != 12*time.Hour {
		t.Errorf("Workflow.StuckThreshold = %v, want 12h", cfg.Workflow.StuckThreshold)
	}
	if cfg.Workflow.StuckCheckInterval != 10*time.Minute {
		t.Errorf("Workflow.StuckCheckInterval = %v, want 10m", cfg.Workflow.StuckCheckInterval)
	}

	if !cfg.Idempotency.Enabled || cfg.Idempotency.Store.Driver != "redis" {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}
	if cfg.Idempotency.Store.DefaultTTL != time.Hour {
		t.Errorf("Idempotency.Store.DefaultTTL = %v, want 1h", cfg.Idempotency.Store.DefaultTTL)
	}

	if cfg.Events.Driver != "nats" || cfg.Events.SubjectPrefix != "plant.batches" {
		t.Errorf("Events = %+v", cfg.Events)
	}
	if cfg.Events.MaxReconnects != 60 {
		t.Errorf("Events.MaxReconnects = %d, want default 60", cfg.Events.MaxReconnects)
	}

	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing = %+v", cfg.Observability.Tracing)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	for _, want := range []string{"identity.issuer", "identity.audience", "identity.public_key_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_unsupported_drivers(t *testing.T) {
	_, err := Load("testdata/bad_drivers.yaml")
	if err == nil {
		t.Fatal("Load() with unsupported drivers should return error")
	}
	for _, want := range []string{`"sqlite"`, `"memcached"`, `"kafka"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Workflow.Store.Driver != "memory" {
		t.Errorf("default Workflow.Store.Driver = %q, want memory", cfg.Workflow.Store.Driver)
	}
	if cfg.Workflow.StuckThreshold != 8*time.Hour {
		t.Errorf("default Workflow.StuckThreshold = %v, want 8h", cfg.Workflow.StuckThreshold)
	}
	if cfg.Events.Driver != "none" {
		t.Errorf("default Events.Driver = %q, want none", cfg.Events.Driver)
	}
	if !cfg.Idempotency.Enabled {
		t.Error("idempotency should be enabled by default")
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BATCHFLOW_SERVER_PORT", "3000")
	t.Setenv("BATCHFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("BATCHFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("BATCHFLOW_ROLES_FILE", "/tmp/roles.yaml")
	t.Setenv("BATCHFLOW_WORKFLOW_STORE_DRIVER", "memory")
	t.Setenv("BATCHFLOW_EVENTS_DRIVER", "none")
	t.Setenv("BATCHFLOW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Roles.File != "/tmp/roles.yaml" {
		t.Errorf("Roles.File = %q, want env override", cfg.Roles.File)
	}
	if cfg.Workflow.Store.Driver != "memory" {
		t.Errorf("Workflow.Store.Driver = %q, want env override", cfg.Workflow.Store.Driver)
	}
	if cfg.Events.Driver != "none" {
		t.Errorf("Events.Driver = %q, want env override", cfg.Events.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides_invalidPortIgnored(t *testing.T) {
	t.Setenv("BATCHFLOW_SERVER_PORT", "eighty")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want file value 9090", cfg.Server.Port)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.plant.example.com"
	cfg.Identity.Audience = "batchflow"
	cfg.Identity.PublicKeyFile = "/etc/batchflow/identity.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_postgresNeedsDSNEnv(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.plant.example.com"
	cfg.Identity.Audience = "batchflow"
	cfg.Identity.PublicKeyFile = "/etc/batchflow/identity.pem"
	cfg.Workflow.Store.Driver = "postgres"
	cfg.Workflow.Store.DSNEnv = ""

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "dsn_env") {
		t.Fatalf("Validate() error = %v, want dsn_env error", err)
	}
}
