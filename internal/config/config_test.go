package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Service != DefaultService || c.Scope != ScopeUser || c.Backend != BackendDBus {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	d, err := c.PollDurations()
	if err != nil {
		t.Fatalf("poll durations: %v", err)
	}
	if d.RefreshInterval != 3*time.Second || d.SettleTimeout != 10*time.Second || d.SettleInterval != 600*time.Millisecond {
		t.Fatalf("poll defaults = %+v", d)
	}
	if !c.HTTP.MetricsEnabled() {
		t.Fatalf("metrics should default to enabled")
	}
}

func TestParseJSONStrict(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "peerdrivectl.json")
	writeFile(t, p, `{"service":"peerdrived.service","scope":"system","poll":{"settle_interval":"250ms"}}`)

	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scope != ScopeSystem || cfg.Backend != BackendDBus {
		t.Fatalf("cfg = %+v", cfg)
	}
	d, _ := cfg.PollDurations()
	if d.SettleInterval != 250*time.Millisecond {
		t.Fatalf("settle interval = %v", d.SettleInterval)
	}

	writeFile(t, p, `{"service":"peerdrived","bogus":1}`)
	if _, err := NewManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}

	writeFile(t, p, `{"service":"peerdrived"}{"service":"x"}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestParseYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "peerdrivectl.yaml")
	writeFile(t, p, `
service: peerdrived
backend: systemctl
journal:
  backlog: 50
flags:
  exec_prefix: /opt/peerdrive init
  reload_after_save: true
logging:
  level: debug
  file:
    enabled: true
    path: /tmp/peerdrivectl.log
http:
  metrics: false
`)
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Backend != BackendSystemctl || cfg.Journal.Backlog != 50 || !cfg.Flags.ReloadAfterSave {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.HTTP.MetricsEnabled() {
		t.Fatalf("metrics should be disabled")
	}
	lc := cfg.Logging.LogxConfig()
	if lc.Level != "debug" || !lc.File.Enabled || lc.File.Path != "/tmp/peerdrivectl.log" {
		t.Fatalf("logx config = %+v", lc)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"scope":    `{"scope":"session"}`,
		"backend":  `{"backend":"upstart"}`,
		"duration": `{"poll":{"refresh_interval":"soon"}}`,
		"negative": `{"poll":{"settle_timeout":"-1s"}}`,
		"level":    `{"logging":{"level":"loud"}}`,
		"service":  `{"service":"../etc/passwd"}`,
	}
	for name, body := range cases {
		if _, err := Decode("x.json", []byte(body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEmptyPathUsesDefaults(t *testing.T) {
	m := NewManager("")
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg || cfg.Service != DefaultService {
		t.Fatalf("unexpected config %+v", cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "peerdrivectl.json")
	writeFile(t, p, `{"logging":{"level":"info"}}`)

	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	// The watcher may not be registered on the first write; keep writing
	// until a publish arrives.
	for {
		writeFile(t, p, `{"logging":{"level":"debug"}}`)
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatalf("committed level = %q", m.Get().Logging.Level)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestWatchKeepsConfigOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "peerdrivectl.json")
	writeFile(t, p, `{"service":"peerdrived"}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	writeFile(t, p, `{"service":`)
	m.reload(context.Background())
	if m.Get().Service != "peerdrived" {
		t.Fatalf("bad edit replaced config")
	}
}

func TestValidatorBlocksCommit(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "peerdrivectl.json")
	writeFile(t, p, `{"service":"peerdrived"}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Service != "peerdrived" {
			return os.ErrPermission
		}
		return nil
	})
	writeFile(t, p, `{"service":"other"}`)
	m.reload(context.Background())
	if m.Get().Service != "peerdrived" {
		t.Fatalf("validator did not block commit")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager("")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
	m.Unsubscribe(ch)
	m.publish(Default())
}

func TestSummarizeChange(t *testing.T) {
	a := Default()
	b := Default()
	if ch := SummarizeChange(a, b); !ch.Empty() {
		t.Fatalf("identical configs reported %v", ch.Sections)
	}

	b.Logging.Level = "debug"
	ch := SummarizeChange(a, b)
	if !ch.Has("logging") || ch.Rebuild {
		t.Fatalf("logging change = %+v", ch)
	}

	b.Poll.SettleTimeout = "20s"
	b.Service = "other"
	ch = SummarizeChange(a, b)
	if !ch.Has("poll") || !ch.Has("target") || !ch.Rebuild {
		t.Fatalf("rebuild change = %+v", ch)
	}
	if len(ch.Sections) != 3 || ch.Sections[0] != "target" {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if len(ch.Attrs) == 0 {
		t.Fatalf("expected log attrs")
	}
}
