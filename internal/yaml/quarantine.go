package yaml

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a corrupted file under <baseDir>/quarantine/ with a
// timestamped name so a human can inspect it later.
func Quarantine(baseDir, filePath string) error {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, timestamp)
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

func GenerateSkeleton(filePath string, fileType string) error {
	skeleton := generateSkeletonForType(fileType)
	content, err := yamlv3.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}

	log.Printf("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}

// RecoverCorruptedFile quarantines the bad file, then tries the .bak copy,
// then falls back to a minimal skeleton. The store layers its own
// checkpoint-based recovery on top of this.
func RecoverCorruptedFile(baseDir, filePath, fileType string) error {
	if err := Quarantine(baseDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath); err != nil {
		log.Printf("backup restore failed for %s: %v — falling back to skeleton generation", filePath, err)
	} else {
		return nil
	}

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}

	return nil
}

func generateSkeletonForType(fileType string) any {
	switch fileType {
	case FileTypeQueue:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeQueue,
			"paused":         false,
			"tasks":          []any{},
			"meta": map[string]any{
				"total_added":   0,
				"total_removed": 0,
				"last_modified": "",
			},
		}
	case FileTypeUsageLimit:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeUsageLimit,
			"occurrences":    []any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
