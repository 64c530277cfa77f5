package analysis

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/flashreport/flashreport/internal/models"
)

//go:embed instructions.txt
var defaultInstructions string

// DefaultInstructions returns the built-in instruction preamble.
func DefaultInstructions() string {
	return strings.TrimSpace(defaultInstructions)
}

// LoadInstructions reads the preamble from path, or returns the built-in one
// when path is empty.
func LoadInstructions(path string) (string, error) {
	if path == "" {
		return DefaultInstructions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read analysis instructions: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("analysis instructions file %s is empty", path)
	}
	return text, nil
}

// BuildPrompt serializes a batch after the instruction preamble.
func BuildPrompt(instructions string, batch []models.ClusterView) (string, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("failed to encode cluster batch: %w", err)
	}
	return instructions + "\n\nREPORT: " + string(payload), nil
}
