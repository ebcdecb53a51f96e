package storage

import (
	"fmt"
	"maps"

	"dario.cat/mergo"

	"github.com/maruel/flowdir/internal/models"
)

// The merge functions combine the stored version of an entity with an
// incoming one. Scalar fields are last-write-wins, with an empty string or a
// nil value meaning the incoming version does not carry the field. Meta is
// replaced as a whole when present. Children are unioned: every child of the
// stored version is kept and children of the incoming version are added,
// replacing the stored entry with the same ID.
//
// mergo handles the scalar fields. Meta, Results and the children are left
// out of its source since it would merge maps key by key and replace slices.
//
// Neither input is modified.

func mergeBook(stored, in *models.Book) (*models.Book, error) {
	out := stored.Clone()
	src := models.Book{ID: in.ID, Name: in.Name}
	// mergo overrides struct fields even when zero; CreatedAt is immutable
	// once persisted.
	src.CreatedAt, src.UpdatedAt = out.CreatedAt, out.UpdatedAt
	if err := mergo.Merge(out, &src, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge logbook %s: %w", in.ID, err)
	}
	if in.Meta != nil {
		out.Meta = maps.Clone(in.Meta)
	}
	for _, f := range in.Flows {
		out.Add(f)
	}
	return out, nil
}

func mergeFlow(stored, in *models.Flow) (*models.Flow, error) {
	out := stored.Clone()
	src := models.Flow{ID: in.ID, Name: in.Name, State: in.State}
	if err := mergo.Merge(out, &src, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge flow details %s: %w", in.ID, err)
	}
	if in.Meta != nil {
		out.Meta = maps.Clone(in.Meta)
	}
	for _, t := range in.Tasks {
		out.Add(t)
	}
	return out, nil
}

func mergeTask(stored, in *models.Task) (*models.Task, error) {
	out := stored.Clone()
	src := models.Task{ID: in.ID, Name: in.Name, State: in.State, Failure: in.Failure, Version: in.Version}
	if err := mergo.Merge(out, &src, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge task details %s: %w", in.ID, err)
	}
	if in.Results != nil {
		out.Results = in.Results
	}
	if in.Meta != nil {
		out.Meta = maps.Clone(in.Meta)
	}
	return out, nil
}
