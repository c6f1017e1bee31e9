// Package testdata holds canned hand landmarks for tests.
package testdata

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/ayusman/fingerspell/internal/detector"
)

//go:embed hands/*.json
var handsFS embed.FS

// LoadHand loads a hand fixture by name, with or without the .json suffix.
func LoadHand(name string) (detector.HandLandmarks, error) {
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}

	data, err := handsFS.ReadFile(path.Join("hands", name))
	if err != nil {
		return detector.HandLandmarks{}, fmt.Errorf("load hand %s: %w", name, err)
	}

	var hand detector.HandLandmarks
	if err := json.Unmarshal(data, &hand); err != nil {
		return detector.HandLandmarks{}, fmt.Errorf("decode hand %s: %w", name, err)
	}
	return hand, nil
}

// HandNames lists the available fixtures without their suffix.
func HandNames() ([]string, error) {
	entries, err := handsFS.ReadDir("hands")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return names, nil
}
