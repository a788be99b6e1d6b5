// Package planner provides slide planners: functions that look at a dataset
// and propose the slides of a deck, each with its rows.
package planner

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/arkilian/tabledeck/internal/engine"
	"github.com/arkilian/tabledeck/pkg/types"
)

// Func adapts a function to the orchestrator's Planner interface.
type Func func(ctx context.Context, ds *types.Dataset) ([]types.SlideSpec, error)

// Plan calls f.
func (f Func) Plan(ctx context.Context, ds *types.Dataset) ([]types.SlideSpec, error) {
	return f(ctx, ds)
}

// planFile is the document form of a plan:
//
//	slides:
//	  - slide_number: 1
//	    slide_title: Reserves Summary
//	    rows: [...]
type planFile struct {
	Slides []types.SlideSpec `yaml:"slides"`
}

// ParsePlan decodes a plan document. The document is either a mapping with a
// slides key or a bare list of slides. JSON decodes the same way. Slides
// without a number are numbered in order.
func ParsePlan(data []byte) ([]types.SlideSpec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("planner: parse plan: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("planner: plan is empty")
	}

	var slides []types.SlideSpec
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&slides); err != nil {
			return nil, fmt.Errorf("planner: decode slides: %w", err)
		}
	case yaml.MappingNode:
		var pf planFile
		if err := doc.Decode(&pf); err != nil {
			return nil, fmt.Errorf("planner: decode plan: %w", err)
		}
		slides = pf.Slides
	default:
		return nil, fmt.Errorf("planner: plan must be a list or a mapping, got line %d", doc.Line)
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("planner: plan has no slides")
	}
	Renumber(slides)
	return slides, nil
}

// File plans a deck from a YAML or JSON plan file. The file is read on every
// call so edits to it take effect for new projects.
type File struct {
	Path string
}

// Plan reads the plan file and checks every slide's rows against the dataset
// schema, so a plan naming unknown fields fails before anything compiles.
func (f File) Plan(ctx context.Context, ds *types.Dataset) ([]types.SlideSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("planner: read plan %s: %w", f.Path, err)
	}
	slides, err := ParsePlan(data)
	if err != nil {
		return nil, err
	}
	if ds != nil && ds.Schema != nil {
		for _, s := range slides {
			if err := engine.Validate(ds.Schema, s.Rows); err != nil {
				return nil, fmt.Errorf("planner: slide %d: %w", s.Number, err)
			}
		}
	}
	return slides, nil
}

// Static returns the same slides for every dataset.
func Static(slides []types.SlideSpec) Func {
	return func(ctx context.Context, _ *types.Dataset) ([]types.SlideSpec, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return types.CloneSlides(slides), nil
	}
}

// Renumber assigns slide numbers 1..n in order to slides that have none.
func Renumber(slides []types.SlideSpec) {
	used := make(map[int]bool, len(slides))
	for _, s := range slides {
		if s.Number > 0 {
			used[s.Number] = true
		}
	}
	next := 1
	for i := range slides {
		if slides[i].Number > 0 {
			continue
		}
		for used[next] {
			next++
		}
		slides[i].Number = next
		used[next] = true
	}
	sort.SliceStable(slides, func(i, j int) bool { return slides[i].Number < slides[j].Number })
}
