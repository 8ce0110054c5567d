package dcg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadPacksDir reads every *.yaml/*.yml file in dir as a Pack. A missing
// directory yields an empty, non-error result: a fresh deployment may not
// ship any bundled packs yet.
//
// Pack/Rule carry only json tags, so yaml.v3 folds field names to all
// lowercase when there's no yaml tag (ruleId -> ruleid, patternKind ->
// patternkind); bundled pack files use those lowercase keys.
func LoadPacksDir(dir string) ([]Pack, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read packs dir %s: %w", dir, err)
	}

	var packs []Pack
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read pack %s: %w", e.Name(), err)
		}
		var p Pack
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("parse pack %s: %w", e.Name(), err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("pack %s: missing name", e.Name())
		}
		packs = append(packs, p)
	}
	return packs, nil
}
