// Package config loads and validates the declarative project file
// (poststack.yaml) into a ProjectConfig and resolves the
// currently-selected EnvironmentSpec. Validation errors carry the
// path-qualified location of the offending field.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lakowske/poststack/internal/poststack"
)

// ManifestKind distinguishes the two manifest formats the core passes
// through to RuntimeDriver.
type ManifestKind string

const (
	KindPod     ManifestKind = "pod"
	KindCompose ManifestKind = "compose"
)

// ManifestRef is {kind, path} with exactly one of pod/compose set in
// the YAML source.
type ManifestRef struct {
	Kind ManifestKind
	Path string
}

// manifestRefYAML mirrors the YAML shape ({pod: path} xor {compose: path})
// before it is normalized into a ManifestRef.
type manifestRefYAML struct {
	Pod     string `yaml:"pod"`
	Compose string `yaml:"compose"`
}

func (m manifestRefYAML) normalize(path string) (ManifestRef, error) {
	switch {
	case m.Pod != "" && m.Compose != "":
		return ManifestRef{}, poststack.New(poststack.ConfigInvalid, "%s: exactly one of pod/compose is required, both given", path)
	case m.Pod != "":
		return ManifestRef{Kind: KindPod, Path: m.Pod}, nil
	case m.Compose != "":
		return ManifestRef{Kind: KindCompose, Path: m.Compose}, nil
	default:
		return ManifestRef{}, poststack.New(poststack.ConfigInvalid, "%s: exactly one of pod/compose is required, neither given", path)
	}
}

// PostgresSpec is the postgres block of an environment.
type PostgresSpec struct {
	Database string `yaml:"database"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
}

// AutoGeneratedPassword is the sentinel value that tells
// PostgresController to generate (and persist) a password instead of
// using a literal one.
const AutoGeneratedPassword = "auto_generated"

// EnvironmentSpec is one named environment's full configuration.
type EnvironmentSpec struct {
	Name       string
	Postgres   PostgresSpec
	Init       []ManifestRef
	Deployment ManifestRef
	Variables  map[string]string
}

// ProjectConfig is the parsed and validated project file.
type ProjectConfig struct {
	CurrentEnvironment string
	ProjectName        string
	Description        string
	// Variables are project-wide defaults, the lowest-precedence
	// template scope layer.
	Variables    map[string]string
	Environments map[string]EnvironmentSpec
}

// yamlDoc mirrors poststack.yaml's on-disk shape exactly;
// Load normalizes it into ProjectConfig.
type yamlDoc struct {
	Environment string `yaml:"environment"`
	Project     struct {
		Name        string            `yaml:"name"`
		Description string            `yaml:"description"`
		Variables   map[string]string `yaml:"variables"`
	} `yaml:"project"`
	Environments map[string]struct {
		Postgres PostgresSpec      `yaml:"postgres"`
		Init     []manifestRefYAML `yaml:"init"`
		Deployment manifestRefYAML `yaml:"deployment"`
		Variables  map[string]string `yaml:"variables"`
	} `yaml:"environments"`
}

// Load reads and validates a project file from disk.
func Load(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, poststack.Wrap(poststack.ConfigInvalid, err, "cannot read project file %s", path)
	}
	return Parse(data, path)
}

// Parse validates raw YAML bytes into a ProjectConfig. path is used
// only to qualify error messages.
func Parse(data []byte, path string) (*ProjectConfig, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, poststack.Wrap(poststack.ConfigInvalid, err, "%s: invalid YAML", path)
	}

	cfg := &ProjectConfig{
		CurrentEnvironment: doc.Environment,
		ProjectName:        doc.Project.Name,
		Description:        doc.Project.Description,
		Variables:          doc.Project.Variables,
		Environments:       map[string]EnvironmentSpec{},
	}

	if cfg.ProjectName == "" {
		return nil, poststack.New(poststack.ConfigInvalid, "%s: project.name is required", path)
	}
	if cfg.CurrentEnvironment == "" {
		return nil, poststack.New(poststack.ConfigInvalid, "%s: environment is required", path)
	}

	for name, e := range doc.Environments {
		base := fmt.Sprintf("%s: environments.%s", path, name)

		if e.Postgres.Database == "" {
			return nil, poststack.New(poststack.ConfigInvalid, "%s.postgres.database: required", base)
		}
		if e.Postgres.User == "" {
			return nil, poststack.New(poststack.ConfigInvalid, "%s.postgres.user: required", base)
		}
		if e.Postgres.Port == 0 {
			return nil, poststack.New(poststack.ConfigInvalid, "%s.postgres.port: required", base)
		}
		if e.Postgres.Host == "" {
			e.Postgres.Host = "localhost"
		}
		if e.Postgres.Password == "" {
			return nil, poststack.New(poststack.ConfigInvalid, "%s.postgres.password: required (use %q to generate one)", base, AutoGeneratedPassword)
		}

		deployment, err := e.Deployment.normalize(base + ".deployment")
		if err != nil {
			return nil, err
		}

		var init []ManifestRef
		for i, ref := range e.Init {
			norm, err := ref.normalize(fmt.Sprintf("%s.init[%d]", base, i))
			if err != nil {
				return nil, err
			}
			init = append(init, norm)
		}

		cfg.Environments[name] = EnvironmentSpec{
			Name:       name,
			Postgres:   e.Postgres,
			Init:       init,
			Deployment: deployment,
			Variables:  e.Variables,
		}
	}

	if _, ok := cfg.Environments[cfg.CurrentEnvironment]; !ok {
		return nil, poststack.New(poststack.ConfigInvalid, "%s: environment %q has no matching entry under environments", path, cfg.CurrentEnvironment)
	}

	return cfg, nil
}

// Resolve looks up an EnvironmentSpec by name, defaulting to the
// project's CurrentEnvironment when name is empty.
func (c *ProjectConfig) Resolve(name string) (EnvironmentSpec, error) {
	if name == "" {
		name = c.CurrentEnvironment
	}
	spec, ok := c.Environments[name]
	if !ok {
		return EnvironmentSpec{}, poststack.New(poststack.ConfigInvalid, "unknown environment %q (known: %v)", name, c.environmentNames())
	}
	return spec, nil
}

func (c *ProjectConfig) environmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for n := range c.Environments {
		names = append(names, n)
	}
	return names
}
