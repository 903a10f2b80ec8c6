/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package promptgen builds the improvement prompt handed to the coding
// assistant. Templates use {{name}} placeholders bound at build time; an
// unbound placeholder is an error rather than silently empty text.
package promptgen

import (
	"fmt"
	"strings"
)

// bind substitutes {{name}} placeholders in template with values.
// Every placeholder must have a binding.
func bind(template string, values map[string]string) (string, error) {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder near %q", truncate(rest))
		}
		name := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		value, ok := values[name]
		if !ok {
			return "", fmt.Errorf("no binding for placeholder %q", name)
		}
		b.WriteString(value)
	}
}

func truncate(s string) string {
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}

// Option adds optional context to the prompt.
type Option func(*builder)

type builder struct {
	structure string
	commits   string
}

// WithRepositoryStructure includes a rendering of the repository tree.
func WithRepositoryStructure(s string) Option {
	return func(b *builder) { b.structure = s }
}

// WithRecentCommits includes recent commit history.
func WithRecentCommits(s string) Option {
	return func(b *builder) { b.commits = s }
}

// Build produces the improvement prompt for one cycle. Pure function of its
// inputs; no side effects.
func Build(repository, baseBranch string, opts ...Option) (string, error) {
	var b builder
	for _, opt := range opts {
		opt(&b)
	}

	var context strings.Builder
	if b.structure != "" {
		context.WriteString("\n")
		context.WriteString(b.structure)
		context.WriteString("\n")
	}
	if b.commits != "" {
		context.WriteString("\nRecent commits on ")
		context.WriteString(baseBranch)
		context.WriteString(":\n")
		context.WriteString(b.commits)
		context.WriteString("\n")
	}

	return bind(improvementTemplate, map[string]string{
		"repository":  repository,
		"base_branch": baseBranch,
		"context":     context.String(),
	})
}
