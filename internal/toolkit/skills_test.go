package toolkit

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadSkills_LoadSingleSkill(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	skillPath := filepath.Join(root, "writer", skillFileName)
	content := "---\nname: writer\ndescription: writing helper\nalways: false\n---\n# Writer\nUse this skill for writing tasks.\n"
	if err := os.MkdirAll(filepath.Dir(skillPath), 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	if err := os.WriteFile(skillPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write skill file: %v", err)
	}

	skills, err := LoadSkills(root)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(skills) != 1 {
		t.Fatalf("skill count = %d, want 1", len(skills))
	}

	s := skills[0]
	if s.Name != "writer" {
		t.Fatalf("name = %q, want writer", s.Name)
	}
	if s.Description != "writing helper" {
		t.Fatalf("description = %q, want writing helper", s.Description)
	}
	if s.Body != "# Writer\nUse this skill for writing tasks." {
		t.Fatalf("unexpected body: %q", s.Body)
	}
	if s.Always {
		t.Fatalf("expected Always = false")
	}
}

func TestLoadSkills_AlwaysFlag(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "identity", "---\nname: identity\ndescription: core identity\nalways: true\n---\nYou are a helpful assistant.\n")

	skills, err := LoadSkills(root)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(skills) != 1 || !skills[0].Always {
		t.Fatalf("expected one always-on skill, got %+v", skills)
	}

	always, catalog := SplitSkills(skills)
	if len(always) != 1 || always[0] != "You are a helpful assistant." {
		t.Fatalf("always = %v, want one inlined body", always)
	}
	if len(catalog) != 0 {
		t.Fatalf("catalog = %v, want empty", catalog)
	}
}

func TestSplitSkills_CatalogEntries(t *testing.T) {
	t.Parallel()

	skills := []Skill{
		{Name: "writer", Description: "writing helper", Body: "body1", Always: false},
		{Name: "identity", Description: "core identity", Body: "body2", Always: true},
	}
	always, catalog := SplitSkills(skills)
	if len(always) != 1 || always[0] != "body2" {
		t.Fatalf("always = %v", always)
	}
	if len(catalog) != 1 || catalog[0] != "writer: writing helper" {
		t.Fatalf("catalog = %v", catalog)
	}
}

func TestLoadSkills_DirNotFound(t *testing.T) {
	t.Parallel()

	notFoundDir := filepath.Join(t.TempDir(), "missing")
	skills, err := LoadSkills(notFoundDir)
	if err != nil {
		t.Fatalf("load skills from missing dir: %v", err)
	}
	if len(skills) != 0 {
		t.Fatalf("skill count = %d, want 0", len(skills))
	}
}

func TestLoadSkills_MissingFrontmatter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	skillPath := filepath.Join(root, "broken", skillFileName)
	if err := os.MkdirAll(filepath.Dir(skillPath), 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	if err := os.WriteFile(skillPath, []byte("# No frontmatter"), 0o600); err != nil {
		t.Fatalf("write skill file: %v", err)
	}

	_, err := LoadSkills(root)
	if err == nil {
		t.Fatalf("expected error for invalid frontmatter")
	}
}

func TestLoadSkills_DuplicateSkillName(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	firstPath := filepath.Join(root, "one", skillFileName)
	secondPath := filepath.Join(root, "two", skillFileName)
	firstContent := "---\nname: shared\ndescription: first\n---\nfirst body\n"
	secondContent := "---\nname: shared\ndescription: second\n---\nsecond body\n"

	if err := os.MkdirAll(filepath.Dir(firstPath), 0o755); err != nil {
		t.Fatalf("mkdir first skill dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(secondPath), 0o755); err != nil {
		t.Fatalf("mkdir second skill dir: %v", err)
	}
	if err := os.WriteFile(firstPath, []byte(firstContent), 0o600); err != nil {
		t.Fatalf("write first skill file: %v", err)
	}
	if err := os.WriteFile(secondPath, []byte(secondContent), 0o600); err != nil {
		t.Fatalf("write second skill file: %v", err)
	}

	_, err := LoadSkills(root)
	if err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestLoadSkills_MultipleSkills(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "alpha", "---\nname: alpha\ndescription: alpha helper\n---\nalpha body\n")
	writeTestSkillFile(t, root, "beta", "---\nname: beta\ndescription: beta helper\n---\nbeta body\n")
	writeTestSkillFile(t, root, "gamma", "---\nname: gamma\ndescription: gamma helper\n---\ngamma body\n")

	skills, err := LoadSkills(root)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(skills) != 3 {
		t.Fatalf("skill count = %d, want 3", len(skills))
	}

	wantNames := []string{"alpha", "beta", "gamma"}
	for i, wantName := range wantNames {
		if skills[i].Name != wantName {
			t.Fatalf("skills[%d].name = %q, want %q", i, skills[i].Name, wantName)
		}
	}
}

func TestLoadSkills_InvalidYAML(t *testing.T) {
	root := t.TempDir()
	invalidSkillPath := writeTestSkillFile(t, root, "broken", "---\nname: broken\ndescription: invalid yaml\nkeywords: [search, web\n---\n# Broken\n")
	writeTestSkillFile(t, root, "ok", "---\nname: ok\ndescription: valid\n---\n# OK\n")

	var logBuf bytes.Buffer
	originalWriter := log.Writer()
	originalFlags := log.Flags()
	originalPrefix := log.Prefix()
	log.SetOutput(&logBuf)
	log.SetFlags(0)
	log.SetPrefix("")
	t.Cleanup(func() {
		log.SetOutput(originalWriter)
		log.SetFlags(originalFlags)
		log.SetPrefix(originalPrefix)
	})

	skills, err := LoadSkills(root)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(skills) != 1 {
		t.Fatalf("skill count = %d, want 1", len(skills))
	}
	if skills[0].Name != "ok" {
		t.Fatalf("name = %q, want ok", skills[0].Name)
	}

	output := logBuf.String()
	if !strings.Contains(output, "skip invalid YAML skill") {
		t.Fatalf("expected warning log, got: %q", output)
	}
	if !strings.Contains(output, invalidSkillPath) {
		t.Fatalf("expected warning log to include invalid skill path %q, got: %q", invalidSkillPath, output)
	}
}

func writeTestSkillFile(t *testing.T, root, dirName, content string) string {
	t.Helper()

	skillPath := filepath.Join(root, dirName, skillFileName)
	if err := os.MkdirAll(filepath.Dir(skillPath), 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	if err := os.WriteFile(skillPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write skill file: %v", err)
	}
	return skillPath
}
