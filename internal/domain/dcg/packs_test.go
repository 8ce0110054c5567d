package dcg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPacksDirMissing(t *testing.T) {
	packs, err := LoadPacksDir(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if len(packs) != 0 {
		t.Errorf("expected no packs, got %d", len(packs))
	}
}

func TestLoadPacksDirEmptyInput(t *testing.T) {
	packs, err := LoadPacksDir("")
	if err != nil {
		t.Fatalf("empty dir should not error, got %v", err)
	}
	if packs != nil {
		t.Errorf("expected nil packs, got %v", packs)
	}
}

func TestLoadPacksDirParsesRules(t *testing.T) {
	dir := t.TempDir()
	content := `
name: core-destructive
version: "1.0.0"
rules:
  - ruleid: rm-rf-root
    pattern: "rm -rf /"
    patternkind: literal
    severity: critical
    reason: "removes the root filesystem"
`
	if err := os.WriteFile(filepath.Join(dir, "core.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-YAML files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a pack"), 0o644); err != nil {
		t.Fatal(err)
	}

	packs, err := LoadPacksDir(dir)
	if err != nil {
		t.Fatalf("load packs: %v", err)
	}
	if len(packs) != 1 {
		t.Fatalf("expected 1 pack, got %d", len(packs))
	}
	p := packs[0]
	if p.Name != "core-destructive" || p.Version != "1.0.0" {
		t.Errorf("unexpected pack header: %+v", p)
	}
	if len(p.Rules) != 1 || p.Rules[0].RuleID != "rm-rf-root" {
		t.Errorf("unexpected rules: %+v", p.Rules)
	}
}

func TestLoadPacksDirRejectsUnnamedPack(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("version: \"1.0.0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPacksDir(dir); err == nil {
		t.Error("expected error for pack missing a name")
	}
}
