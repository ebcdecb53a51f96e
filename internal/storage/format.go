package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/maruel/flowdir/internal/models"
)

// Metadata records as written to disk, one JSON document per file. The ID is
// not stored; it is the name of the file or directory.

type bookRecord struct {
	Name      string         `json:"name,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type flowRecord struct {
	Name  string         `json:"name,omitempty"`
	State string         `json:"state,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type taskRecord struct {
	Name    string         `json:"name,omitempty"`
	State   string         `json:"state,omitempty"`
	Results any            `json:"results,omitempty"`
	Failure string         `json:"failure,omitempty"`
	Version string         `json:"version,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func formatBook(b *models.Book) ([]byte, error) {
	return json.Marshal(&bookRecord{Name: b.Name, Meta: b.Meta, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt})
}

func unformatBook(id string, data []byte) (*models.Book, error) {
	var r bookRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode logbook %s: %w", id, err)
	}
	return &models.Book{ID: id, Name: r.Name, Meta: r.Meta, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}, nil
}

func formatFlow(f *models.Flow) ([]byte, error) {
	return json.Marshal(&flowRecord{Name: f.Name, State: f.State, Meta: f.Meta})
}

func unformatFlow(id string, data []byte) (*models.Flow, error) {
	var r flowRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode flow details %s: %w", id, err)
	}
	return &models.Flow{ID: id, Name: r.Name, State: r.State, Meta: r.Meta}, nil
}

func formatTask(t *models.Task) ([]byte, error) {
	return json.Marshal(&taskRecord{
		Name:    t.Name,
		State:   t.State,
		Results: t.Results,
		Failure: t.Failure,
		Version: t.Version,
		Meta:    t.Meta,
	})
}

func unformatTask(id string, data []byte) (*models.Task, error) {
	var r taskRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode task details %s: %w", id, err)
	}
	return &models.Task{
		ID:      id,
		Name:    r.Name,
		State:   r.State,
		Results: r.Results,
		Failure: r.Failure,
		Version: r.Version,
		Meta:    r.Meta,
	}, nil
}

// MetadataSchema returns the JSON Schema of the metadata file written for
// kind, one of "book", "flow" or "task".
func MetadataSchema(kind string) (*jsonschema.Schema, error) {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	switch kind {
	case "book":
		return r.Reflect(&bookRecord{}), nil
	case "flow":
		return r.Reflect(&flowRecord{}), nil
	case "task":
		return r.Reflect(&taskRecord{}), nil
	default:
		return nil, fmt.Errorf("unknown kind %q, expected book, flow or task", kind)
	}
}
