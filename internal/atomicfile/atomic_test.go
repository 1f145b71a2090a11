package atomicfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteJSON_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	data := map[string]any{"key": "value", "count": 42}
	if err := WriteJSON(path, data); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
	if !strings.Contains(string(content), "\n  \"count\"") {
		t.Errorf("expected indented output, got %s", content)
	}
}

func TestWriteJSON_Overwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteJSON(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteJSON(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var cur map[string]string
	if err := ReadJSON(path, &cur); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if cur["version"] != "2" {
		t.Errorf("current version: got %q, want %q", cur["version"], "2")
	}
}

func TestWriteRaw_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteRaw(path, []byte("{not json")); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("target must not be created when validation fails")
	}
}

func TestWriteRaw_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 5; i++ {
		if err := WriteJSON(path, map[string]int{"i": i}); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	_ = WriteRaw(path, []byte("{"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only the target file, got %v", names)
	}
}

func TestReadJSON_Corrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.json")
	os.WriteFile(path, []byte("[{\"id\":"), 0644)

	var v []map[string]any
	err := ReadJSON(path, &v)
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptError, got %v", err)
	}
	if corrupt.Path != path {
		t.Errorf("path: got %q", corrupt.Path)
	}
}

func TestReadJSON_Missing(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &v)
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
