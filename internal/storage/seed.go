package storage

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jrammler/httprun/internal/entity"
)

type seedFile struct {
	Commands []entity.Command `yaml:"commands"`
}

// LoadSeed reads command definitions from a YAML file. The commands are
// not validated here; callers pass them through the registry.
func LoadSeed(path string) ([]entity.Command, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		slog.Error("Error while reading seed file", "path", path, "error", err)
		return nil, err
	}
	seed := &seedFile{}
	if err := yaml.Unmarshal(file, seed); err != nil {
		slog.Error("Error while unmarshalling seed file", "path", path, "error", err)
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if len(seed.Commands) == 0 {
		slog.Warn("No commands found in seed file", "path", path)
	}
	return seed.Commands, nil
}
