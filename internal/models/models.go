// Package models defines the book, flow and task records persisted by the store.
//
// A Book contains Flows and a Flow contains Tasks. Containment is by
// reference: the store keeps each entity in its own tier and links children
// to their parents, so the Flows and Tasks slices here are only populated
// when the store loads or saves the hierarchy.
package models

import (
	"maps"
	"slices"
	"time"
)

// Book is the top-level container.
type Book struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
	Flows     []*Flow        `json:"flows,omitempty"`
}

// Find returns the flow with the given ID, or nil.
func (b *Book) Find(id string) *Flow {
	for _, f := range b.Flows {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Add attaches a flow, replacing any flow already attached with the same ID.
func (b *Book) Add(f *Flow) {
	if i := slices.IndexFunc(b.Flows, func(x *Flow) bool { return x.ID == f.ID }); i >= 0 {
		b.Flows[i] = f
		return
	}
	b.Flows = append(b.Flows, f)
}

// FlowIDs returns the IDs of the attached flows in order.
func (b *Book) FlowIDs() []string {
	ids := make([]string, 0, len(b.Flows))
	for _, f := range b.Flows {
		ids = append(ids, f.ID)
	}
	return ids
}

// Clone returns a copy that does not share the Flows slice or Meta map.
// Attached flows are shared.
func (b *Book) Clone() *Book {
	c := *b
	c.Meta = maps.Clone(b.Meta)
	c.Flows = slices.Clone(b.Flows)
	return &c
}

// Flow is the mid-level container, owned by a Book.
type Flow struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	State string         `json:"state,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Tasks []*Task        `json:"tasks,omitempty"`
}

// Find returns the task with the given ID, or nil.
func (f *Flow) Find(id string) *Task {
	for _, t := range f.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Add attaches a task, replacing any task already attached with the same ID.
func (f *Flow) Add(t *Task) {
	if i := slices.IndexFunc(f.Tasks, func(x *Task) bool { return x.ID == t.ID }); i >= 0 {
		f.Tasks[i] = t
		return
	}
	f.Tasks = append(f.Tasks, t)
}

// TaskIDs returns the IDs of the attached tasks in order.
func (f *Flow) TaskIDs() []string {
	ids := make([]string, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// Clone returns a copy that does not share the Tasks slice or Meta map.
// Attached tasks are shared.
func (f *Flow) Clone() *Flow {
	c := *f
	c.Meta = maps.Clone(f.Meta)
	c.Tasks = slices.Clone(f.Tasks)
	return &c
}

// Task is the leaf entity, owned by a Flow.
type Task struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	State   string         `json:"state,omitempty"`
	Results any            `json:"results,omitempty"`
	Failure string         `json:"failure,omitempty"`
	Version string         `json:"version,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Clone returns a copy that does not share the Meta map.
func (t *Task) Clone() *Task {
	c := *t
	c.Meta = maps.Clone(t.Meta)
	return &c
}
