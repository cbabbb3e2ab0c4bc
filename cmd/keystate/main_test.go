package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(append([]string{"keystate"}, args...))
	return out.String(), err
}

func TestCheckListsSlots(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystate.yaml")
	writeFile(t, path, `store:
  backend: memory
slots:
  - name: session
    ttl: 30m
    update: value
  - name: total
`)
	out, err := runApp(t, "check", "--config", path)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"SESSION", "30m0s", "total", "completed successfully"} {
		if !strings.Contains(strings.ToUpper(out), strings.ToUpper(want)) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckRejectsBadExpression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystate.yaml")
	writeFile(t, path, "store: {backend: memory}\nslots: [{name: s, update: 'value +'}]\n")
	if _, err := runApp(t, "check", "--config", path); err == nil {
		t.Fatalf("expected check to fail")
	}
}

func TestRunThenInspect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystate.yaml")
	writeFile(t, path, `batch:
  interval: 1ms
  partitions: 2
store:
  backend: pebble
  path: state
logging:
  level: error
slots:
  - name: last
    update: value
  - name: count
    update: "has_previous ? num(previous) + 1 : 1"
`)
	input := filepath.Join(dir, "input.tsv")
	writeFile(t, input, "alice\tlogin\nbob\tlogin\nalice\tlogout\n")

	if _, err := runApp(t, "run", "--config", path, "--input", input, "--exit-on-eof"); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, err := runApp(t, "inspect", "--config", path, "--key", "alice")
	if err != nil {
		t.Fatalf("inspect key: %v", err)
	}
	if !strings.Contains(out, "logout") {
		t.Fatalf("unexpected inspect output:\n%s", out)
	}

	out, err = runApp(t, "inspect", "--config", path, "--slot", "count")
	if err != nil {
		t.Fatalf("inspect count: %v", err)
	}
	if got := cell(t, out, "alice", 3); got != "2" {
		t.Fatalf("count of alice = %q:\n%s", got, out)
	}

	out, err = runApp(t, "inspect", "--config", path, "--slot", "last")
	if err != nil {
		t.Fatalf("inspect slot: %v", err)
	}
	if !strings.Contains(out, "bob") || !strings.Contains(out, "2 value(s)") {
		t.Fatalf("unexpected scan output:\n%s", out)
	}
}

func TestInspectRejectsMemoryBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystate.yaml")
	writeFile(t, path, "store: {backend: memory}\nslots: [{name: s}]\n")
	if _, err := runApp(t, "inspect", "--config", path); err == nil {
		t.Fatalf("expected error for memory backend")
	}
}

// cell returns column col of the table row that mentions key.
func cell(t *testing.T, table, key string, col int) string {
	t.Helper()
	for _, line := range strings.Split(table, "\n") {
		fields := strings.Split(line, "|")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		// Rows start with a border, so column n is field n+1.
		if len(fields) > col+1 && fields[3] == key {
			return fields[col+1]
		}
	}
	t.Fatalf("no row for %q in:\n%s", key, table)
	return ""
}
