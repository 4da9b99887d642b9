// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package skills loads skill definitions from disk into the catalog.
//
// A definition is either a YAML file (*.yaml, *.yml) or a directory holding a
// SKILL.md whose frontmatter carries the same fields. The markdown body of a
// SKILL.md becomes the instructions of a single agent step when no steps are
// declared.
package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/kairos-runner/pkg/store"
	"github.com/jllopis/kairos-runner/pkg/workflow"
)

// SkillFile is the SKILL.md file name inside a skill directory.
const SkillFile = "SKILL.md"

const (
	maxNameLen        = 64
	maxDescriptionLen = 1024
)

// Definition is a skill as written on disk.
type Definition struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Trigger     string   `yaml:"trigger"`
	Active      *bool    `yaml:"active"`
	Connections []string `yaml:"connections"`
	Steps       []any    `yaml:"steps"`

	// Body is the markdown body of a SKILL.md.
	Body string `yaml:"-"`
	Path string `yaml:"-"`
}

// LoadDir loads every definition directly under root, sorted by path.
func LoadDir(root string) ([]Definition, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			p := filepath.Join(root, name, SkillFile)
			if _, err := os.Stat(p); err == nil {
				paths = append(paths, p)
			}
			continue
		}
		if isDefinitionFile(name) {
			paths = append(paths, filepath.Join(root, name))
		}
	}
	sort.Strings(paths)

	out := make([]Definition, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		def, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(def.Name)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("%s: skill %q already defined in %s", p, def.Name, prev)
		}
		seen[key] = p
		out = append(out, def)
	}
	return out, nil
}

// LoadFile parses one definition file.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	var def Definition
	if filepath.Base(path) == SkillFile {
		fm, body, err := splitFrontmatter(string(data))
		if err != nil {
			return Definition{}, fmt.Errorf("%s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(fm), &def); err != nil {
			return Definition{}, fmt.Errorf("%s: parse frontmatter: %w", path, err)
		}
		def.Body = body
	} else if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("%s: parse: %w", path, err)
	}
	def.Path = path
	def.Name = strings.TrimSpace(def.Name)
	def.Description = strings.TrimSpace(def.Description)
	def.Connections = dedupe(def.Connections)
	if err := validate(def); err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Skill converts the definition into a catalog row. Steps are normalised to
// JSON and validated.
func (d Definition) Skill() (*store.Skill, error) {
	steps, err := d.stepsJSON()
	if err != nil {
		return nil, err
	}
	trigger := store.Trigger(d.Trigger)
	if trigger == "" {
		trigger = store.TriggerManual
	}
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return &store.Skill{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		TriggerType: trigger,
		Steps:       steps,
		Connections: d.Connections,
		Active:      active,
	}, nil
}

func (d Definition) stepsJSON() (json.RawMessage, error) {
	steps := d.Steps
	if len(steps) == 0 && d.Body != "" {
		steps = []any{map[string]any{
			"id":           "instructions",
			"type":         workflow.TypeAgent,
			"prompt":       "{{.Input}}",
			"systemPrompt": d.Body,
		}}
	}
	if len(steps) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	if _, err := workflow.ParseSteps(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func splitFrontmatter(content string) (string, string, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", errors.New("missing frontmatter")
	}
	parts := strings.SplitN(trimmed, "---", 3)
	if len(parts) < 3 {
		return "", "", errors.New("invalid frontmatter")
	}
	return strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]), nil
}

func validate(def Definition) error {
	if def.Name == "" {
		return errors.New("name is required")
	}
	if utf8.RuneCountInString(def.Name) > maxNameLen {
		return fmt.Errorf("name exceeds %d characters", maxNameLen)
	}
	if def.Description == "" {
		return errors.New("description is required")
	}
	if utf8.RuneCountInString(def.Description) > maxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxDescriptionLen)
	}
	if def.Trigger != "" && !store.Trigger(def.Trigger).Valid() {
		return fmt.Errorf("invalid trigger %q", def.Trigger)
	}
	return nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
