package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildExportKey lays exports out by UTC day so prefixes can carry lifecycle rules.
func BuildExportKey(exportID string, createdAt time.Time) (string, error) {
	if err := validatePathComponent(exportID, "export id"); err != nil {
		return "", err
	}
	ts := createdAt.UTC()
	return path.Join(
		"exports",
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		exportID+".parquet",
	), nil
}

// ValidateKey cleans key and rejects empty keys and keys escaping the store root.
func ValidateKey(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return cleaned, nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
