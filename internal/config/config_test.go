package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeTemp(t, `
[scheduler]
addr = "127.0.0.1:6000"

[sequencer]
addr = "127.0.0.1:6001"

[[dbproxy]]
addr = "127.0.0.1:7000"
sql_addr = "127.0.0.1:7001"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Scheduler.SequencerPoolSize != 4 {
		t.Fatalf("expected default pool size 4, got %d", c.Scheduler.SequencerPoolSize)
	}
	if len(c.DbProxy) != 1 || c.DbProxy[0].Addr != "127.0.0.1:7000" {
		t.Fatalf("unexpected dbproxy list: %+v", c.DbProxy)
	}
}

func TestLoadRequiresAtLeastOneReplica(t *testing.T) {
	p := writeTemp(t, `
[scheduler]
addr = "127.0.0.1:6000"
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error when no dbproxy replicas are declared")
	}
}
