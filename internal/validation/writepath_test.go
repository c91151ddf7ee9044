package validation

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fixtureModule(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not on PATH")
	}
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "go.mod"), "module example.com/ledger\n\ngo 1.21\n")
	writeFile(t, filepath.Join(base, "pkg", "domain", "store.go"), `package domain

type EntityStore interface {
	CompareAndSwap(id string, expected int64) bool
	GetDocument(id string) string
}
`)
	writeFile(t, filepath.Join(base, "internal", "core", "engine.go"), `package core

import "example.com/ledger/pkg/domain"

func Write(s domain.EntityStore) bool { return s.CompareAndSwap("a", 1) }
`)
	writeFile(t, filepath.Join(base, "internal", "adapters", "api", "api.go"), `package api

import "example.com/ledger/pkg/domain"

type other struct{}

func (other) CompareAndSwap(string, int64) bool { return true }

func Read(s domain.EntityStore) string { return s.GetDocument("a") }

func Sneak(s domain.EntityStore) bool {
	_ = other{}.CompareAndSwap("b", 1)
	return s.CompareAndSwap("a", 1)
}
`)
	return base
}

func TestValidateWritePathsFlagsDirectMutation(t *testing.T) {
	base := fixtureModule(t)
	violations, err := ValidateWritePaths(base, []string{"./..."}, DefaultWritePathPolicy("example.com/ledger"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected exactly one violation, got %v", violations)
	}
	v := violations[0]
	if v.File != "internal/adapters/api/api.go" || v.Line != 13 || v.Code != CodeWritePath {
		t.Fatalf("unexpected violation %+v", v)
	}
	if !strings.Contains(v.String(), "domain.CompareAndSwap") {
		t.Fatalf("unexpected message %s", v)
	}
}

func TestValidateWritePathsAllowsConfiguredCallers(t *testing.T) {
	base := fixtureModule(t)
	policy := DefaultWritePathPolicy("example.com/ledger")
	policy.AllowedCallers = append(policy.AllowedCallers, "example.com/ledger/internal/adapters")
	violations, err := ValidateWritePaths(base, nil, policy)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
}

func TestValidateWritePathsRejectsEmptyPolicy(t *testing.T) {
	if _, err := ValidateWritePaths(t.TempDir(), nil, WritePathPolicy{}); err == nil {
		t.Fatalf("expected error for empty policy")
	}
}

func TestValidateWritePathsReportsLoadErrors(t *testing.T) {
	base := fixtureModule(t)
	writeFile(t, filepath.Join(base, "broken", "broken.go"), "package broken\n\nfunc x() { undefined() }\n")
	if _, err := ValidateWritePaths(base, []string{"./..."}, DefaultWritePathPolicy("example.com/ledger")); err == nil {
		t.Fatalf("expected package errors to surface")
	}
}

func TestRepositoryWritePaths(t *testing.T) {
	if testing.Short() {
		t.Skip("loads the whole module")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not on PATH")
	}
	root, err := filepath.Abs(filepath.Join("..", ".."))
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	violations, err := ValidateWritePaths(root, []string{"./..."}, DefaultWritePathPolicy("docledger"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, v := range violations {
		t.Errorf("%s", v)
	}
}
