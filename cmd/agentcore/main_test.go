package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/agentcore/internal/config"
)

func TestWriteIfNotExists_NewFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.txt")

	writeIfNotExists(path, "test content")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "test content" {
		t.Errorf("content = %q, want 'test content'", string(data))
	}
}

func TestWriteIfNotExists_ExistingFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.txt")

	os.WriteFile(path, []byte("original"), 0644)

	writeIfNotExists(path, "new content")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("content = %q, want 'original'", string(data))
	}
}

func TestDefaultConstants(t *testing.T) {
	if !strings.Contains(defaultAgentsMD, "agentcore") {
		t.Error("defaultAgentsMD should mention agentcore")
	}
	if !strings.Contains(defaultSoulMD, "assistant") {
		t.Error("defaultSoulMD should mention assistant")
	}
}

func TestHasAnyProviderKey(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{}}
	if hasAnyProviderKey(cfg) {
		t.Error("expected no provider key for an empty provider map")
	}

	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk-test"}
	if !hasAnyProviderKey(cfg) {
		t.Error("expected a configured provider key to be found")
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(nil); got != "none configured" {
		t.Errorf("providerDisplay(nil) = %q, want 'none configured'", got)
	}

	got := providerDisplay(map[string]config.ProviderConfig{
		"openai": {APIKey: "sk-1234567890"},
	})
	if !strings.Contains(got, "openai") || !strings.Contains(got, "sk-1...7890") {
		t.Errorf("providerDisplay masked key unexpected: %q", got)
	}

	got = providerDisplay(map[string]config.ProviderConfig{"local": {}})
	if !strings.Contains(got, "not set") {
		t.Errorf("providerDisplay should show 'not set' for missing key: %q", got)
	}
}

func TestRunOnboard(t *testing.T) {
	tmpDir := t.TempDir()
	origHome := os.Getenv("HOME")
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	defer os.Setenv("HOME", origHome)

	t.Setenv("AGENTCORE_API_KEY", "")

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := runOnboard(&cobra.Command{}, []string{})

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	output := buf.String()

	if err != nil {
		t.Errorf("runOnboard error: %v", err)
	}

	cfgPath := filepath.Join(tmpDir, ".agentcore", "config.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	wsPath := filepath.Join(tmpDir, ".agentcore", "workspace")
	if _, err := os.Stat(wsPath); os.IsNotExist(err) {
		t.Error("workspace was not created")
	}

	if !strings.Contains(output, "Created config") && !strings.Contains(output, "Config already exists") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	tmpDir := t.TempDir()
	origHome := os.Getenv("HOME")
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	defer os.Setenv("HOME", origHome)

	cfgDir := filepath.Join(tmpDir, ".agentcore")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{}"), 0644)

	t.Setenv("AGENTCORE_API_KEY", "")

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := runOnboard(&cobra.Command{}, []string{})

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	output := buf.String()

	if err != nil {
		t.Errorf("runOnboard error: %v", err)
	}
	if !strings.Contains(output, "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", output)
	}
}

func TestRunStatus_WorkspaceNotFound(t *testing.T) {
	tmpDir := t.TempDir()
	origHome := os.Getenv("HOME")
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	defer os.Setenv("HOME", origHome)

	cfgDir := filepath.Join(tmpDir, ".agentcore")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(`{"agents":{"workspace":"/nonexistent"}}`), 0644)

	t.Setenv("AGENTCORE_API_KEY", "")

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := runStatus(&cobra.Command{}, []string{})

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	output := buf.String()

	if err != nil {
		t.Errorf("runStatus error: %v", err)
	}
	if !strings.Contains(output, "not found") {
		t.Errorf("expected 'not found' in output: %s", output)
	}
}

func TestRunStatus_WithWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	origHome := os.Getenv("HOME")
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	defer os.Setenv("HOME", origHome)

	wsDir := filepath.Join(tmpDir, ".agentcore", "workspace")
	os.MkdirAll(wsDir, 0755)

	cfgDir := filepath.Join(tmpDir, ".agentcore")
	cfgJSON := `{"agents":{"workspace":"` + wsDir + `"},"memory":{"enabled":false}}`
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(cfgJSON), 0644)

	t.Setenv("AGENTCORE_API_KEY", "")

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := runStatus(&cobra.Command{}, []string{})

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	output := buf.String()

	if err != nil {
		t.Errorf("runStatus error: %v", err)
	}
	if !strings.Contains(output, "Workspace:") {
		t.Errorf("missing Workspace in output: %s", output)
	}
	if !strings.Contains(output, "Memory: enabled=false") {
		t.Errorf("missing Memory line in output: %s", output)
	}
}

func TestInit(t *testing.T) {
	if rootCmd == nil {
		t.Error("rootCmd should not be nil")
	}
	if agentCmd == nil {
		t.Error("agentCmd should not be nil")
	}
	if runCmd == nil {
		t.Error("runCmd should not be nil")
	}
	if onboardCmd == nil {
		t.Error("onboardCmd should not be nil")
	}
	if statusCmd == nil {
		t.Error("statusCmd should not be nil")
	}

	flag := agentCmd.Flags().Lookup("message")
	if flag == nil {
		t.Error("message flag should exist")
	}
}

func TestRunAgent_NoAPIKey(t *testing.T) {
	tmpDir := t.TempDir()
	origHome := os.Getenv("HOME")
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	defer os.Setenv("HOME", origHome)

	t.Setenv("AGENTCORE_API_KEY", "")

	err := runAgent(&cobra.Command{}, []string{})
	if err == nil {
		t.Error("expected error when no provider API key is set")
	}
	if !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("error should mention API key: %v", err)
	}
}

func TestRunAgentWithOptions_SingleMessage(t *testing.T) {
	tmpDir := t.TempDir()
	origHome := os.Getenv("HOME")
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	defer os.Setenv("HOME", origHome)

	ws := filepath.Join(tmpDir, ".agentcore", "workspace")
	os.MkdirAll(ws, 0755)
	cfgDir := filepath.Join(tmpDir, ".agentcore")
	os.MkdirAll(cfgDir, 0755)
	cfgJSON := `{"agents":{"workspace":"` + ws + `","models":{"chat":"openai/gpt-4o-mini"},"auto":false},` +
		`"providers":{"openai":{"baseUrl":"http://127.0.0.1:1","apiKey":"sk-test","models":[{"id":"gpt-4o-mini"}]}}}`
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(cfgJSON), 0644)

	messageFlag = "hello"
	defer func() { messageFlag = "" }()

	r, w, _ := os.Pipe()
	err := runAgentWithOptions(AgentOptions{Stdout: w})
	w.Close()

	var buf bytes.Buffer
	io.Copy(&buf, r)

	if err != nil {
		t.Fatalf("runAgentWithOptions: %v", err)
	}
	// The provider is unreachable, so Handle swallows the transport
	// error into a redacted apology rather than surfacing it.
	if buf.Len() == 0 {
		t.Error("expected a non-empty reply on stdout")
	}
}
