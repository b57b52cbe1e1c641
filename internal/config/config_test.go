package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  owner_chat_id: 42
twitch:
  client_id: cid
  client_secret: csec
  webhook_secret: whs
  domain: bot.example.com
storage:
  path: /tmp/bot.db
notify:
  send_pause: 2s
`

func TestDurationOrDefault(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", time.Minute},
		{"0s", time.Minute},
		{"bogus", time.Minute},
		{"5s", 5 * time.Second},
	}
	for _, tc := range cases {
		if got := DurationOrDefault(tc.raw, time.Minute); got != tc.want {
			t.Fatalf("DurationOrDefault(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SendPause() != 2*time.Second {
		t.Fatalf("send_pause = %v, want 2s", cfg.SendPause())
	}
	if cfg.MinDelay() != DefaultMinDelay {
		t.Fatalf("min_delay = %v, want default %v", cfg.MinDelay(), DefaultMinDelay)
	}
	if cfg.HTTPAddr() != DefaultHTTPAddr {
		t.Fatalf("http addr = %q, want default %q", cfg.HTTPAddr(), DefaultHTTPAddr)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nsurprise: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nhttp:\n  read_timeout: soon\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("invalid duration accepted")
	}
}
