package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	data := map[string]any{
		"schema_version": 1,
		"file_type":      FileTypeQueue,
		"tasks":          []string{"a", "b"},
	}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var got map[string]any
	if err := yamlv3.Unmarshal(content, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["file_type"] != FileTypeQueue {
		t.Errorf("file_type = %v, want %q", got["file_type"], FileTypeQueue)
	}
}

func TestAtomicWrite_CreatesBak(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	if err := AtomicWrite(path, map[string]string{"v": "one"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("no .bak expected after first write")
	}

	if err := AtomicWrite(path, map[string]string{"v": "two"}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read .bak: %v", err)
	}
	if !strings.Contains(string(bak), "one") {
		t.Errorf(".bak should hold previous version, got: %s", bak)
	}
}

func TestAtomicWrite_NoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	if err := AtomicWrite(path, map[string]string{"v": "x"}); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".taskpilot-tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestValidateSchemaHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	good := map[string]any{"schema_version": 1, "file_type": FileTypeQueue}
	if err := AtomicWrite(path, good); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ValidateSchemaHeader(path, FileTypeQueue); err != nil {
		t.Errorf("valid header rejected: %v", err)
	}
	if err := ValidateSchemaHeader(path, FileTypeCheckpoint); err == nil {
		t.Error("file_type mismatch should be rejected")
	}

	tests := []struct {
		name string
		doc  map[string]any
	}{
		{"missing file_type", map[string]any{"schema_version": 1}},
		{"unknown file_type", map[string]any{"schema_version": 1, "file_type": "bogus"}},
		{"zero version", map[string]any{"schema_version": 0, "file_type": FileTypeQueue}},
		{"future version", map[string]any{"schema_version": 99, "file_type": FileTypeQueue}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, _ := yamlv3.Marshal(tt.doc)
			if err := ValidateSchemaHeaderFromBytes(content, ""); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
