package toolkit

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const skillFileName = "SKILL.md"

var errInvalidSkillYAML = errors.New("invalid skill YAML frontmatter")

// Skill is one loaded SKILL.md: a name/description pair plus the body
// the executor either inlines on every turn (Always) or lists as a
// one-line catalog entry for progressive disclosure.
type Skill struct {
	Name        string
	Description string
	Body        string
	Always      bool
}

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Always      bool     `yaml:"always"`
}

// LoadSkills reads one subdirectory per skill from skillDir, each
// holding a SKILL.md with YAML frontmatter (name/description/keywords/
// always) followed by the skill body. A missing skillDir is not an
// error — skills are an optional external collaborator.
func LoadSkills(skillDir string) ([]Skill, error) {
	skillDir = strings.TrimSpace(skillDir)
	if skillDir == "" {
		return nil, nil
	}

	info, err := os.Stat(skillDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat skills dir %q: %w", skillDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills path is not a directory: %s", skillDir)
	}

	entries, err := os.ReadDir(skillDir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir %q: %w", skillDir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	skills := make([]Skill, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillPath := filepath.Join(skillDir, entry.Name(), skillFileName)
		skill, skip, parseErr := parseSkillFile(skillPath)
		if parseErr != nil {
			return nil, parseErr
		}
		if skip {
			continue
		}
		if prevPath, exists := seen[skill.Name]; exists {
			return nil, fmt.Errorf("duplicate skill name %q in %s (already in %s)", skill.Name, skillPath, prevPath)
		}
		seen[skill.Name] = skillPath
		skills = append(skills, skill)
	}
	return skills, nil
}

// SplitSkills partitions loaded skills into the always-inlined bodies
// (executor.Options.AlwaysSkills) and the catalog summaries used for
// progressive disclosure (executor.Options.SkillCatalog).
func SplitSkills(skills []Skill) (always []string, catalog []string) {
	for _, s := range skills {
		if s.Always {
			always = append(always, s.Body)
			continue
		}
		catalog = append(catalog, fmt.Sprintf("%s: %s", s.Name, s.Description))
	}
	return always, catalog
}

func parseSkillFile(path string) (Skill, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Skill{}, true, nil
		}
		return Skill{}, false, fmt.Errorf("read skill %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidSkillYAML) {
			log.Printf("[toolkit] warning: skip invalid YAML skill %s: %v", path, err)
			return Skill{}, true, nil
		}
		return Skill{}, false, fmt.Errorf("parse skill %q: %w", path, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Skill{}, false, fmt.Errorf("parse skill %q: missing name", path)
	}

	return Skill{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Body:        strings.TrimSpace(body),
		Always:      meta.Always,
	}, false, nil
}

func parseFrontmatter(content []byte) (skillFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return skillFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return skillFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	frontmatter := strings.Join(lines[1:end], "\n")
	body := strings.Join(lines[end+1:], "\n")

	var meta skillFrontmatter
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return skillFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidSkillYAML, err)
	}
	return meta, body, nil
}
