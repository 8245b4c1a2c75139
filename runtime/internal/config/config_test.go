package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"30s"`, 30 * time.Second},
		{`"5m"`, 5 * time.Minute},
		{`10`, 10 * time.Second},
		{`0.5`, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if d.Duration != tt.want {
			t.Errorf("%s: got %v, want %v", tt.in, d.Duration, tt.want)
		}
	}
}

func TestDuration_UnmarshalJSON_Invalid(t *testing.T) {
	for _, in := range []string{`"not-a-duration"`, `true`} {
		var d Duration
		if err := json.Unmarshal([]byte(in), &d); err == nil {
			t.Errorf("expected error for %s", in)
		}
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration{Duration: 2 * time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `"2m0s"` {
		t.Errorf("expected \"2m0s\", got %s", string(data))
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime-config.json")
	doc := `{
		"runtime": {"listen_addr": ":8001", "public_url": "http://localhost:8001", "log_level": "debug"},
		"storage": {"driver": "sqlite", "dsn": "agents.db"},
		"registration": {"enabled": true, "almanac_url": "http://relay:8000", "interval": "30s"},
		"mailbox": {"url": "http://relay:8000", "mode": "stream"},
		"agents": [
			{"name": "alice", "seed": "alice secret phrase"},
			{"name": "bob", "key_file": "bob.key", "passphrase_env": "BOB_PASS", "mailbox": true, "protocols": ["echo", "handshake"]}
		]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runtime.LogLevel != "debug" || cfg.Runtime.LogFormat != "json" {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if cfg.Registration.Interval.Duration != 30*time.Second {
		t.Errorf("registration.interval = %v", cfg.Registration.Interval)
	}
	if cfg.Mailbox.Mode != "stream" || cfg.Mailbox.PollInterval.Duration != time.Second {
		t.Errorf("mailbox = %+v", cfg.Mailbox)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("agents = %d", len(cfg.Agents))
	}
	if got := cfg.Agents[0].Protocols; len(got) != 1 || got[0] != "echo" {
		t.Errorf("default protocols = %v", got)
	}
	if !cfg.Agents[1].Mailbox || cfg.Agents[1].PassphraseEnv != "BOB_PASS" {
		t.Errorf("agents[1] = %+v", cfg.Agents[1])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"agents": [{"name": "a", "seed": "s"}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("storage.driver = %q", cfg.Storage.Driver)
	}
	if cfg.Runtime.SendMode != "direct" || cfg.Runtime.SyncTimeout.Duration != 30*time.Second {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if cfg.Registration.Interval.Duration != time.Minute || cfg.Registration.RenewThreshold.Duration != 10*time.Minute {
		t.Errorf("registration = %+v", cfg.Registration)
	}
	if cfg.Mailbox.Mode != "poll" {
		t.Errorf("mailbox.mode = %q", cfg.Mailbox.Mode)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no agents", `{}`, "at least one agent"},
		{"unnamed agent", `{"agents": [{"seed": "s"}]}`, "name is required"},
		{"duplicate name", `{"agents": [{"name": "a", "seed": "s"}, {"name": "a", "seed": "t"}]}`, "duplicate agent name"},
		{"no identity", `{"agents": [{"name": "a"}]}`, "exactly one of seed and key_file"},
		{"two identities", `{"agents": [{"name": "a", "seed": "s", "key_file": "k"}]}`, "exactly one of seed and key_file"},
		{"bad index", `{"agents": [{"name": "a", "seed": "s", "index": 256}]}`, "index must be between"},
		{"mailbox without url", `{"agents": [{"name": "a", "seed": "s", "mailbox": true}]}`, "mailbox.url is not set"},
		{"registration without almanac", `{"registration": {"enabled": true}, "agents": [{"name": "a", "seed": "s"}]}`, "almanac_url is required"},
		{"direct registration without public url", `{"registration": {"enabled": true, "almanac_url": "http://r"}, "agents": [{"name": "a", "seed": "s"}]}`, "public_url is not set"},
		{"bad driver", `{"storage": {"driver": "redis"}, "agents": [{"name": "a", "seed": "s"}]}`, "storage.driver"},
		{"postgres without dsn", `{"storage": {"driver": "postgres"}, "agents": [{"name": "a", "seed": "s"}]}`, "storage.dsn"},
		{"bad send mode", `{"runtime": {"send_mode": "carrier"}, "agents": [{"name": "a", "seed": "s"}]}`, "send_mode"},
		{"bad mailbox mode", `{"mailbox": {"mode": "push"}, "agents": [{"name": "a", "seed": "s"}]}`, "mailbox.mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
