package project

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

func readJSONName(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var manifest struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil || manifest.Name == "" {
		return "", false
	}
	return manifest.Name, true
}

// readTOMLName extracts the `name = "..."` line under Cargo.toml's
// [package] table without pulling in a full TOML parser, matching the
// scale of the rest of the registry's file sniffing.
func readTOMLName(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	inPackage := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") {
			inPackage = line == "[package]"
			continue
		}
		if !inPackage {
			continue
		}
		if strings.HasPrefix(line, "name") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			name := strings.Trim(strings.TrimSpace(parts[1]), `"`)
			if name != "" {
				return name, true
			}
		}
	}
	return "", false
}
