package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Channel.MethodSubject != "voice_recognition" || cfg.Channel.EventSubject != "speech_events" {
		t.Fatalf("unexpected channel defaults: %+v", cfg.Channel)
	}
	if cfg.Engine.Mode != "mock" || cfg.Gate.Mode != "static" {
		t.Fatalf("unexpected engine/gate defaults: %s/%s", cfg.Engine.Mode, cfg.Gate.Mode)
	}
	if cfg.Engine.Exec.MaxAlternatives != 3 {
		t.Fatalf("expected 3 alternatives, got %d", cfg.Engine.Exec.MaxAlternatives)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_GATE_MODE", "prompt")
	t.Setenv("LOQA_GATE_TIMEOUT_MS", "1200")
	t.Setenv("LOQA_ENGINE_MODE", "exec")
	t.Setenv("LOQA_ENGINE_EXEC_COMMAND", "whisper-stream --json")
	t.Setenv("LOQA_ENGINE_EXEC_PUBLISH_INTERIM", "false")
	t.Setenv("LOQA_ENGINE_DEEPGRAM_API_KEY", "dg-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Gate.Mode != "prompt" || cfg.Gate.TimeoutMS != 1200 {
		t.Fatalf("expected gate overrides, got %+v", cfg.Gate)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Exec.Command != "whisper-stream --json" {
		t.Fatalf("expected exec engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.Exec.PublishInterim {
		t.Fatal("expected publish interim override false")
	}
	if cfg.Engine.Deepgram.APIKey != "dg-key" {
		t.Fatal("expected deepgram api key override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.yaml")
	data := []byte(`
engine:
  mode: mock
  mock:
    available: false
    script:
      - text: one
      - text: one two
        final: true
        confidences: [0.8, 0.6]
gate:
  mode: prompt
  subject: auth.ask
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Mock.Available {
		t.Fatal("expected mock engine unavailable")
	}
	if len(cfg.Engine.Mock.Script) != 2 || !cfg.Engine.Mock.Script[1].Final {
		t.Fatalf("unexpected script: %+v", cfg.Engine.Mock.Script)
	}
	if cfg.Gate.Subject != "auth.ask" {
		t.Fatalf("expected gate subject from file, got %q", cfg.Gate.Subject)
	}
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	t.Setenv("LOQA_ENGINE_MODE", "android")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown engine mode")
	}
}

func TestValidateExecRequiresCommand(t *testing.T) {
	t.Setenv("LOQA_ENGINE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when exec command missing")
	}
}
