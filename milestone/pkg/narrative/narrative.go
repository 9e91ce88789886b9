// Package narrative rewrites templated announcements in the agent's voice,
// using the story context published by the narrative subsystem.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/ato/milestone/pkg/announce"
	"github.com/malbeclabs/ato/milestone/pkg/metrics"
)

// Context is the current state of the agent's story.
type Context struct {
	CurrentEvent  string `yaml:"current_event" json:"current_event"`
	InnerDialogue string `yaml:"inner_dialogue" json:"inner_dialogue"`
}

// Complete reports whether both fields are present.
func (c Context) Complete() bool {
	return strings.TrimSpace(c.CurrentEvent) != "" && strings.TrimSpace(c.InnerDialogue) != ""
}

// ContextSource provides the current story context. ok is false when no
// usable context is available.
type ContextSource interface {
	Current(ctx context.Context) (Context, bool)
}

// Enricher rewrites base using the story context. It has no side effects.
type Enricher interface {
	Enrich(ctx context.Context, base string, nc Context) (string, error)
}

var ErrEmptyOutput = errors.New("enricher returned empty output")

// Compose returns the enriched text, or base when enrichment errors, panics
// or comes back empty. The result is truncated to limit runes.
func Compose(ctx context.Context, log *slog.Logger, e Enricher, base string, nc Context, limit int) (text string) {
	text = announce.Truncate(base, limit)
	if e == nil {
		return text
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("narrative: enricher panicked, using base text", "panic", r)
			metrics.NarrativeEnrichTotal.WithLabelValues("panic").Inc()
			text = announce.Truncate(base, limit)
		}
	}()

	out, err := e.Enrich(ctx, base, nc)
	if err == nil && strings.TrimSpace(out) == "" {
		err = ErrEmptyOutput
	}
	if err != nil {
		log.Warn("narrative: enrichment failed, using base text", "error", err)
		metrics.NarrativeEnrichTotal.WithLabelValues("fallback").Inc()
		return text
	}
	metrics.NarrativeEnrichTotal.WithLabelValues("success").Inc()
	return announce.Truncate(strings.TrimSpace(out), limit)
}

// FileContextSource reads the story context from a YAML or JSON file written
// by the narrative subsystem. The file is read on every call.
type FileContextSource struct {
	path string
	log  *slog.Logger
}

func NewFileContextSource(path string, log *slog.Logger) *FileContextSource {
	return &FileContextSource{path: path, log: log}
}

func (s *FileContextSource) Current(ctx context.Context) (Context, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("narrative: failed to read context", "path", s.path, "error", err)
		}
		return Context{}, false
	}
	var nc Context
	if err := yaml.Unmarshal(data, &nc); err != nil {
		s.log.Warn("narrative: failed to parse context", "path", s.path, "error", err)
		return Context{}, false
	}
	if !nc.Complete() {
		return Context{}, false
	}
	return nc, true
}

// StaticContextSource always returns the same context.
type StaticContextSource struct {
	Context Context
}

func (s StaticContextSource) Current(context.Context) (Context, bool) {
	return s.Context, s.Context.Complete()
}

// Passthrough returns the base text unchanged.
type Passthrough struct{}

func (Passthrough) Enrich(_ context.Context, base string, _ Context) (string, error) {
	return base, nil
}

// Prompts are the templates used to ask the model for a rewrite.
type Prompts struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// LoadPrompts reads prompts from path, falling back to the embedded defaults
// for any field the file leaves empty.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("failed to read prompts: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Prompts{}, fmt.Errorf("failed to parse prompts: %w", err)
	}
	if override.System != "" {
		p.System = override.System
	}
	if override.User != "" {
		p.User = override.User
	}
	return p, nil
}
