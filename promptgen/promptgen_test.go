/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

package promptgen

import (
	"strings"
	"testing"
)

func TestBind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		template string
		values   map[string]string
		want     string
		wantErr  bool
	}{{
		name:     "simple substitution",
		template: "work on {{repo}} please",
		values:   map[string]string{"repo": "octo/widgets"},
		want:     "work on octo/widgets please",
	}, {
		name:     "whitespace inside placeholder",
		template: "{{ repo }}",
		values:   map[string]string{"repo": "octo/widgets"},
		want:     "octo/widgets",
	}, {
		name:     "no placeholders",
		template: "static text",
		values:   nil,
		want:     "static text",
	}, {
		name:     "repeated placeholder",
		template: "{{x}} and {{x}}",
		values:   map[string]string{"x": "y"},
		want:     "y and y",
	}, {
		name:     "unbound placeholder",
		template: "work on {{repo}}",
		values:   map[string]string{},
		wantErr:  true,
	}, {
		name:     "unterminated placeholder",
		template: "work on {{repo",
		values:   map[string]string{"repo": "octo/widgets"},
		wantErr:  true,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := bind(tc.template, tc.values)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()
	prompt, err := Build("octo/widgets", "main")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(prompt, "octo/widgets") {
		t.Fatal("prompt must name the repository")
	}
	if !strings.Contains(prompt, "main branch") {
		t.Fatal("prompt must name the base branch")
	}
	if strings.Contains(prompt, "{{") {
		t.Fatalf("prompt contains unbound placeholders:\n%s", prompt)
	}
}

func TestBuildWithContext(t *testing.T) {
	t.Parallel()
	prompt, err := Build("octo/widgets", "main",
		WithRepositoryStructure("cmd/\ninternal/"),
		WithRecentCommits("abc1234 Fix flaky test"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(prompt, "cmd/\ninternal/") {
		t.Fatal("prompt must include the repository structure")
	}
	if !strings.Contains(prompt, "abc1234 Fix flaky test") {
		t.Fatal("prompt must include recent commits")
	}
	if !strings.Contains(prompt, "Recent commits on main") {
		t.Fatal("commit section must name the base branch")
	}
}
