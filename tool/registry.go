package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry maps tool names to implementations. Definition files on
// disk may override the built-in descriptions so operators can tune
// the text shown to callers without rebuilding.
type Registry struct {
	logger *zap.Logger
	tools  map[string]Tool
	defs   map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		tools:  make(map[string]Tool),
		defs:   make(map[string]Definition),
	}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
	if _, ok := r.defs[t.Name()]; !ok {
		r.defs[t.Name()] = t.Definition()
	}
	r.logger.Info("registered tool", zap.String("tool", t.Name()))
}

// Get returns the tool by name, or false if unknown.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions of all registered tools.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, name := range r.List() {
		defs = append(defs, r.defs[name])
	}
	return defs
}

// LoadDefinitions merges YAML definition files from dir over the
// registered tools' built-in definitions. Files describing unknown
// tools are skipped with a warning; a missing directory is not an
// error.
func (r *Registry) LoadDefinitions(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("tool definition directory not found", zap.String("dir", dir))
			return nil
		}
		return fmt.Errorf("reading tool definition directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path) //nolint:gosec // operator-controlled directory
		if err != nil {
			return fmt.Errorf("reading tool definition %s: %w", path, err)
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parsing tool definition %s: %w", path, err)
		}
		if def.Name == "" {
			r.logger.Warn("tool definition missing name", zap.String("file", path))
			continue
		}
		if _, ok := r.tools[def.Name]; !ok {
			r.logger.Warn("tool definition for unregistered tool", zap.String("tool", def.Name), zap.String("file", path))
			continue
		}

		r.defs[def.Name] = def
		r.logger.Info("loaded tool definition", zap.String("tool", def.Name), zap.String("file", path))
	}

	return nil
}
