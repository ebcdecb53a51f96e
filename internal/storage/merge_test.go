package storage

import (
	"slices"
	"testing"
	"time"

	"github.com/maruel/flowdir/internal/models"
)

func TestMergeBook(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	stored := &models.Book{
		ID:        "b1",
		Name:      "nightly",
		Meta:      map[string]any{"owner": "ops"},
		CreatedAt: created,
		Flows:     []*models.Flow{{ID: "f1"}, {ID: "f2"}},
	}
	in := &models.Book{
		ID:        "b1",
		CreatedAt: created.Add(time.Hour),
		Flows:     []*models.Flow{{ID: "f2", State: "RUNNING"}, {ID: "f3"}},
	}
	got, err := mergeBook(stored, in)
	if err != nil {
		t.Fatal(err)
	}

	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.Name != "nightly" {
		t.Errorf("Name = %q, want the stored name", got.Name)
	}
	if got.Meta["owner"] != "ops" {
		t.Errorf("Meta = %v, want the stored meta", got.Meta)
	}
	if want := []string{"f1", "f2", "f3"}; !slices.Equal(got.FlowIDs(), want) {
		t.Errorf("FlowIDs = %v, want %v", got.FlowIDs(), want)
	}
	if got.Find("f2").State != "RUNNING" {
		t.Error("the incoming copy of a shared child must win")
	}
	if len(stored.Flows) != 2 {
		t.Error("mergeBook modified the stored book")
	}

	// An incoming book without timestamps keeps the stored ones.
	got, err = mergeBook(stored, &models.Book{ID: "b1", Name: "weekly"})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(created) || got.Name != "weekly" {
		t.Errorf("mergeBook() = %+v", got)
	}
}

func TestMergeFlow(t *testing.T) {
	stored := &models.Flow{
		ID:    "f1",
		Name:  "deploy",
		State: "PENDING",
		Meta:  map[string]any{"a": 1},
		Tasks: []*models.Task{{ID: "A"}, {ID: "B"}},
	}
	in := &models.Flow{
		ID:    "f1",
		State: "SUCCESS",
		Meta:  map[string]any{},
		Tasks: []*models.Task{{ID: "C"}},
	}
	got, err := mergeFlow(stored, in)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"A", "B", "C"}; !slices.Equal(got.TaskIDs(), want) {
		t.Errorf("TaskIDs = %v, want %v", got.TaskIDs(), want)
	}
	if got.State != "SUCCESS" {
		t.Errorf("State = %q, want SUCCESS", got.State)
	}
	if got.Name != "deploy" {
		t.Errorf("Name = %q, want deploy", got.Name)
	}
	if len(got.Meta) != 0 {
		t.Errorf("Meta = %v, want the empty incoming meta", got.Meta)
	}
}

func TestMergeTask(t *testing.T) {
	stored := &models.Task{ID: "t1", Name: "fetch", State: "RUNNING", Version: "1.0", Meta: map[string]any{"a": 1, "b": 2}}
	in := &models.Task{ID: "t1", State: "SUCCESS", Results: map[string]any{"rows": 3.0}, Meta: map[string]any{"a": 3}}
	got, err := mergeTask(stored, in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "fetch" || got.Version != "1.0" {
		t.Errorf("absent fields were not kept: %+v", got)
	}
	if got.State != "SUCCESS" {
		t.Errorf("State = %q, want SUCCESS", got.State)
	}
	if r, ok := got.Results.(map[string]any); !ok || r["rows"] != 3.0 {
		t.Errorf("Results = %v", got.Results)
	}
	if len(got.Meta) != 1 || got.Meta["a"] != 3 {
		t.Errorf("Meta = %v, want the incoming meta only", got.Meta)
	}
	if stored.State != "RUNNING" {
		t.Error("mergeTask modified the stored task")
	}
}
