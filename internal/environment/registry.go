// Package environment implements the Environment Registry: a static,
// read-only catalog of supported language runtimes loaded once at process
// start from a YAML file.
package environment

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment describes one supported language runtime.
type Environment struct {
	Name                   string `yaml:"-"`
	ImageBasename          string `yaml:"image"`
	DefaultFilename        string `yaml:"default_filename"`
	FileExtension          string `yaml:"file_extension"`
	RunCommandTemplate     string `yaml:"run_command"`
	CompileCommandTemplate string `yaml:"compile_command,omitempty"`
	Description            string `yaml:"description"`
	Enabled                bool   `yaml:"enabled"`
}

// Defaults holds the catalog-wide defaults section.
type Defaults struct {
	DefaultEnvironment string `yaml:"default_environment"`
	WorkspaceDir       string `yaml:"workspace_dir"`
	ExecutorUser       string `yaml:"executor_user"`
}

type catalogFile struct {
	Defaults     Defaults               `yaml:"defaults"`
	Environments map[string]Environment `yaml:"environments"`
}

// Registry is the loaded, immutable environment catalog.
type Registry struct {
	defaults Defaults
	byName   map[string]Environment
	order    []string // catalog order, for a stable List()
}

// Load reads and parses the environment catalog from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse environment catalog %s: %w", path, err)
	}

	r := &Registry{
		defaults: file.Defaults,
		byName:   make(map[string]Environment, len(file.Environments)),
	}

	// yaml.v3 doesn't preserve map key order on unmarshal into a Go map, so
	// the catalog's declared order is recovered by re-decoding into a
	// mapping-node walk.
	order, err := declaredOrder(data)
	if err != nil {
		return nil, err
	}

	for name, env := range file.Environments {
		env.Name = name
		r.byName[name] = env
	}
	for _, name := range order {
		if _, ok := r.byName[name]; ok {
			r.order = append(r.order, name)
		}
	}

	return r, nil
}

// declaredOrder walks the raw YAML to recover the order `environments:` keys
// were declared in, since decoding into map[string]Environment loses it.
func declaredOrder(data []byte) ([]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "environments" {
			continue
		}
		envNode := doc.Content[i+1]
		var names []string
		for j := 0; j+1 < len(envNode.Content); j += 2 {
			names = append(names, envNode.Content[j].Value)
		}
		return names, nil
	}
	return nil, nil
}

// Defaults returns the catalog-wide defaults section.
func (r *Registry) Defaults() Defaults { return r.defaults }

// List returns the names of enabled environments, in catalog order.
func (r *Registry) List() []string {
	var names []string
	for _, name := range r.order {
		if r.byName[name].Enabled {
			names = append(names, name)
		}
	}
	return names
}

// Get returns an environment by name, whether or not it's enabled. Disabled
// entries are omitted from List() but remain resolvable here — they cannot
// be selected for new sessions, but existing callers can still inspect them.
func (r *Registry) Get(name string) (Environment, bool) {
	env, ok := r.byName[name]
	return env, ok
}

// ResolveImage computes the fully-qualified image reference for an
// environment under the configured prefix.
func ResolveImage(env Environment, prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, env.ImageBasename)
}

// ExpandRunCommand expands the environment's run command template against a
// written file path, via the standalone ExpandCommand helper.
func (r *Registry) ExpandRunCommand(name, filePath string) ([]string, error) {
	env, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown environment %q", name)
	}
	return ExpandCommand(env.RunCommandTemplate, filePath), nil
}

// ExpandCommand substitutes the named placeholders in a command template
// and tokenizes the result into an argv.
//
// Placeholders: {file_path} (verbatim), {filename} (base name), {output_path}
// (file path with its extension stripped).
//
// A template beginning with the literal prefix "sh -c " is treated as a
// first-class shape: the remainder becomes a single argument, producing the
// three-element argv [sh, -c, <rest>]. Any other template is split on
// whitespace. Expansion is a pure function of (template, filePath): the same
// inputs always produce the same argv.
func ExpandCommand(tmpl, filePath string) []string {
	filename := filePath
	if idx := strings.LastIndexByte(filePath, '/'); idx >= 0 {
		filename = filePath[idx+1:]
	}
	outputPath := filePath
	if idx := strings.LastIndexByte(filePath, '.'); idx > strings.LastIndexByte(filePath, '/') {
		outputPath = filePath[:idx]
	}

	replacer := strings.NewReplacer(
		"{file_path}", filePath,
		"{filename}", filename,
		"{output_path}", outputPath,
	)
	expanded := replacer.Replace(tmpl)

	const shPrefix = "sh -c "
	if strings.HasPrefix(expanded, shPrefix) {
		return []string{"sh", "-c", strings.TrimPrefix(expanded, shPrefix)}
	}
	return strings.Fields(expanded)
}
