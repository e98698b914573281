package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/medlar/approvals/model"
)

// Loader scans directories for YAML kind-definition files. Overrides let an
// operator adjust role assignments or notification fan-out without a
// rebuild; the graphs still have to pass the validator.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into a KindDefinition. Missing directories are skipped.
func (l *Loader) LoadAll(directories []string) ([]model.KindDefinition, error) {
	var defs []model.KindDefinition

	for _, dir := range directories {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML kind-definition file.
func (l *Loader) LoadFile(path string) (model.KindDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.KindDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def model.KindDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.KindDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	return def, nil
}
