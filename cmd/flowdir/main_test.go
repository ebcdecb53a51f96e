package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	ferrors "github.com/maruel/flowdir/internal/errors"
	"github.com/maruel/flowdir/internal/models"
)

// run executes one flowdir invocation against dir and returns its stdout.
func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	if dir != "" {
		args = append([]string{"--path", dir}, args...)
	}
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	if err != nil {
		_ = a.teardown(nil, nil)
	}
	return out.String(), err
}

func mustRun(t *testing.T, dir, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, stdin, args...)
	if err != nil {
		t.Fatalf("flowdir %s: %v", strings.Join(args, " "), err)
	}
	return out
}

const sampleBook = `{
  "id": "B1",
  "name": "nightly",
  "flows": [{
    "id": "F1",
    "name": "build",
    "state": "PENDING",
    "tasks": [{"id": "T1", "name": "fetch"}, {"id": "T2", "name": "compile"}]
  }]
}`

func TestBookCommands(t *testing.T) {
	t.Setenv("FLOWDIR_CONFIG", "")
	dir := filepath.Join(t.TempDir(), "data")

	if _, err := run(t, dir, "", "validate"); !ferrors.IsValidation(err) {
		t.Fatalf("validate before upgrade = %v", err)
	}
	mustRun(t, dir, "", "upgrade")
	if out := mustRun(t, dir, "", "validate"); out != "ok\n" {
		t.Errorf("validate = %q", out)
	}

	var saved models.Book
	if err := json.Unmarshal([]byte(mustRun(t, dir, sampleBook, "book", "save")), &saved); err != nil {
		t.Fatal(err)
	}
	if saved.ID != "B1" || saved.CreatedAt.IsZero() {
		t.Errorf("book save = %+v", saved)
	}

	var task models.Task
	if err := json.Unmarshal([]byte(mustRun(t, dir, `{"id": "T1", "state": "SUCCESS"}`, "task", "update")), &task); err != nil {
		t.Fatal(err)
	}
	if task.State != "SUCCESS" || task.Name != "fetch" {
		t.Errorf("task update = %+v", task)
	}

	file := filepath.Join(t.TempDir(), "flow.json")
	if err := os.WriteFile(file, []byte(`{"id": "F1", "tasks": [{"id": "T3"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, dir, "", "flow", "update", "-f", file)

	var f models.Flow
	if err := json.Unmarshal([]byte(mustRun(t, dir, "", "flow", "get", "F1")), &f); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(f.TaskIDs(), ","); got != "T1,T2,T3" {
		t.Errorf("flow tasks = %s", got)
	}
	if f.Find("T1").State != "SUCCESS" || f.Name != "build" {
		t.Errorf("flow = %+v", f)
	}

	id := strings.TrimSpace(mustRun(t, dir, "", "book", "new", "weekly"))
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("book new printed %q: %v", id, err)
	}
	list := mustRun(t, dir, "", "book", "list")
	if !strings.Contains(list, "B1\tnightly\t1 flows\n") || !strings.Contains(list, id+"\tweekly\t0 flows\n") {
		t.Errorf("book list = %q", list)
	}

	mustRun(t, dir, "", "book", "destroy", "B1")
	if _, err := run(t, dir, "", "book", "get", "B1"); !ferrors.IsNotFound(err) {
		t.Errorf("book get after destroy = %v", err)
	}
	if _, err := run(t, dir, "", "task", "get", "T1"); !ferrors.IsNotFound(err) {
		t.Errorf("task get after destroy = %v", err)
	}
	if _, err := run(t, dir, "", "flow", "update", "-f", file); !ferrors.IsNotFound(err) {
		t.Errorf("flow update after destroy = %v", err)
	}
}

func TestBadInput(t *testing.T) {
	t.Setenv("FLOWDIR_CONFIG", "")
	dir := t.TempDir()
	mustRun(t, dir, "", "upgrade")
	if _, err := run(t, dir, `{"id": "B1", "bogus": 1}`, "book", "save"); err == nil {
		t.Error("unknown fields must be rejected")
	}
	if _, err := run(t, dir, `{"id": "F1", "tasks": [null]}`, "flow", "update"); !ferrors.Is(err, ferrors.ErrInvalidArgument) {
		t.Errorf("flow update with a null task = %v", err)
	}
	if _, err := run(t, dir, "", "--log-level", "loud", "validate"); err == nil {
		t.Error("unknown log level must be rejected")
	}
	if _, err := run(t, dir, "", "--config", filepath.Join(dir, "missing.yaml"), "validate"); err == nil {
		t.Error("an explicit missing configuration file must be rejected")
	}
}

func TestClear(t *testing.T) {
	t.Setenv("FLOWDIR_CONFIG", "")
	dir := t.TempDir()
	mustRun(t, dir, "", "upgrade")
	mustRun(t, dir, sampleBook, "book", "save")
	if _, err := run(t, dir, "", "clear"); err == nil {
		t.Fatal("clear without --yes must fail")
	}
	mustRun(t, dir, "", "clear", "--yes")
	if _, err := run(t, dir, "", "validate"); !ferrors.IsValidation(err) {
		t.Errorf("validate after clear = %v", err)
	}
	if out := mustRun(t, dir, "", "book", "list"); out != "" {
		t.Errorf("book list after clear = %q", out)
	}
}

func TestSchema(t *testing.T) {
	t.Setenv("FLOWDIR_CONFIG", "")
	var sch map[string]any
	if err := json.Unmarshal([]byte(mustRun(t, t.TempDir(), "", "schema", "task")), &sch); err != nil {
		t.Fatal(err)
	}
	props, _ := sch["properties"].(map[string]any)
	if _, ok := props["results"]; !ok {
		t.Errorf("task schema = %v", sch)
	}
	if _, err := run(t, t.TempDir(), "", "schema", "logbook"); err == nil {
		t.Error("unknown kind must fail")
	}
}

func TestJournalCommands(t *testing.T) {
	t.Setenv("FLOWDIR_CONFIG", "")
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "data")
	cfg := filepath.Join(tmp, "flowdir.yaml")
	data := "path: " + dir + "\njournal:\n  enabled: true\n  name: Ops\n  email: ops@example.com\n"
	if err := os.WriteFile(cfg, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, "", "", "--config", cfg, "upgrade")
	if out := mustRun(t, "", "", "--config", cfg, "history"); out != "no journal\n" {
		t.Errorf("history before any write = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); !os.IsNotExist(err) {
		t.Errorf("history created a journal: %v", err)
	}
	id := strings.TrimSpace(mustRun(t, "", "", "--config", cfg, "book", "new", "journaled"))
	if out := mustRun(t, "", "", "--config", cfg, "snapshot", "-m", "again"); out != "nothing changed\n" {
		t.Errorf("snapshot on a clean tree = %q", out)
	}
	// Books with flows link them through directory symlinks.
	mustRun(t, "", sampleBook, "--config", cfg, "book", "save")
	for range 2 {
		if out := mustRun(t, "", "", "--config", cfg, "snapshot", "-m", "again"); out != "nothing changed\n" {
			t.Errorf("snapshot of linked flows = %q", out)
		}
	}
	history := mustRun(t, "", "", "--config", cfg, "history")
	if !strings.Contains(history, "Create book "+id) {
		t.Errorf("history = %q", history)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Errorf("journal not created: %v", err)
	}
}

func TestStress(t *testing.T) {
	t.Setenv("FLOWDIR_CONFIG", "")
	dir := t.TempDir()
	out := mustRun(t, dir, "", "stress", "--workers", "4", "--tasks", "5", "--metrics")
	if !strings.HasPrefix(out, "20/20 tasks linked, 20 done, 4 workers") {
		t.Errorf("stress = %q", out)
	}
	if !strings.Contains(out, "flowdir_operations_total") {
		t.Error("stress --metrics printed no metrics")
	}
	if list := mustRun(t, dir, "", "book", "list"); list != "" {
		t.Errorf("stress left books behind: %q", list)
	}
}

func TestVersion(t *testing.T) {
	if out := mustRun(t, "", "", "version"); !strings.HasPrefix(out, "flowdir ") {
		t.Errorf("version = %q", out)
	}
}
