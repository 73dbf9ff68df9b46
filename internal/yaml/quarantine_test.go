package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecoverCorruptedFile_FromBak(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	// Valid first version, then a corrupted live file.
	if err := AtomicWrite(path, map[string]any{"schema_version": 1, "file_type": FileTypeQueue}); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := AtomicWrite(path, map[string]any{"schema_version": 1, "file_type": FileTypeQueue, "tasks": []string{"t"}}); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	if err := os.WriteFile(path, []byte("{{{{ not yaml"), 0644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if err := RecoverCorruptedFile(dir, path, FileTypeQueue); err != nil {
		t.Fatalf("RecoverCorruptedFile: %v", err)
	}

	if err := ValidateSchemaHeader(path, FileTypeQueue); err != nil {
		t.Errorf("recovered file invalid: %v", err)
	}

	// The corrupted original must be preserved in quarantine.
	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected quarantined file, err=%v entries=%d", err, len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), ".corrupt") {
		t.Errorf("quarantine name %q missing .corrupt suffix", entries[0].Name())
	}
}

func TestRecoverCorruptedFile_SkeletonFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	// No .bak exists: recovery must fall back to a skeleton.
	if err := os.WriteFile(path, []byte(":\n bad"), 0644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	if err := RecoverCorruptedFile(dir, path, FileTypeQueue); err != nil {
		t.Fatalf("RecoverCorruptedFile: %v", err)
	}
	if err := ValidateSchemaHeader(path, FileTypeQueue); err != nil {
		t.Errorf("skeleton invalid: %v", err)
	}
}

func TestRestoreFromBackup_NoBak(t *testing.T) {
	dir := t.TempDir()
	if err := RestoreFromBackup(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("expected error when no .bak exists")
	}
}
