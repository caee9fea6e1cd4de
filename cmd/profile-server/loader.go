package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadProfiles loads all engine config JSON files from the specified directory.
// The file name without extension becomes the profile id; the optional
// top-level "remarks" string becomes its name.
func LoadProfiles(dir string) ([]profileEntry, error) {
	var entries []profileEntry
	seen := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		entry, err := parseProfile(strings.TrimSuffix(d.Name(), ".json"), data)
		if err != nil {
			return fmt.Errorf("invalid profile in %s: %w", path, err)
		}
		if prev, ok := seen[entry.ID]; ok {
			return fmt.Errorf("duplicate profile id %q in %s and %s", entry.ID, prev, path)
		}
		seen[entry.ID] = path
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if a != b {
			return a < b
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func parseProfile(id string, data []byte) (profileEntry, error) {
	if id == "" {
		return profileEntry{}, fmt.Errorf("id is required")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return profileEntry{}, fmt.Errorf("config must be a JSON object: %w", err)
	}
	if _, ok := fields["outbounds"]; !ok {
		return profileEntry{}, fmt.Errorf("outbounds are required")
	}
	name := id
	if raw, ok := fields["remarks"]; ok {
		var remarks string
		if err := json.Unmarshal(raw, &remarks); err == nil && strings.TrimSpace(remarks) != "" {
			name = strings.TrimSpace(remarks)
		}
	}
	return profileEntry{ID: id, Name: name, Config: json.RawMessage(data)}, nil
}
