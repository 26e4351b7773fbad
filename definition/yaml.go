package definition

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type (
	yamlDoc struct {
		Name       string          `yaml:"name"`
		Version    string          `yaml:"version"`
		Conditions []yamlCondition `yaml:"conditions"`
		Tasks      []yamlTask      `yaml:"tasks"`
		Schemas    []yamlSchema    `yaml:"schemas"`
		Children   []yamlDoc       `yaml:"children"`
	}

	yamlCondition struct {
		Name  string `yaml:"name"`
		Start bool   `yaml:"start"`
		End   bool   `yaml:"end"`
	}

	yamlTask struct {
		Name      string         `yaml:"name"`
		Join      string         `yaml:"join"`
		Split     string         `yaml:"split"`
		Inputs    []string       `yaml:"inputs"`
		Outputs   []string       `yaml:"outputs"`
		Region    *yamlRegion    `yaml:"region"`
		Composite *yamlComposite `yaml:"composite"`
		Shards    int            `yaml:"shards"`
	}

	yamlRegion struct {
		Tasks      []string `yaml:"tasks"`
		Conditions []string `yaml:"conditions"`
	}

	yamlComposite struct {
		Static  string   `yaml:"static"`
		Dynamic []string `yaml:"dynamic"`
	}

	yamlSchema struct {
		Element string `yaml:"element"`
		Name    string `yaml:"name"`
		Action  string `yaml:"action"`
		Schema  any    `yaml:"schema"`
	}
)

// LoadConfig parses a YAML definition document into a Config. The document
// covers the structural part of a definition: conditions, tasks, regions,
// composites, and action schemas. Route predicates, activities, and
// completion policies are code and must be attached to the returned Config
// before calling New.
func LoadConfig(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read definition document: %w", err)
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse definition document: %w", err)
	}
	return doc.config()
}

func (doc yamlDoc) config() (Config, error) {
	cfg := Config{
		Name:    doc.Name,
		Version: doc.Version,
	}
	for _, c := range doc.Conditions {
		cfg.Conditions = append(cfg.Conditions, ConditionConfig(c))
	}
	for _, t := range doc.Tasks {
		tc := TaskConfig{
			Name:    t.Name,
			Join:    JoinType(t.Join),
			Split:   SplitType(t.Split),
			Inputs:  t.Inputs,
			Outputs: t.Outputs,
			Shards:  t.Shards,
		}
		if t.Region != nil {
			tc.Region = &Region{Tasks: t.Region.Tasks, Conditions: t.Region.Conditions}
		}
		if t.Composite != nil {
			tc.Composite = &Composite{Static: t.Composite.Static, Dynamic: t.Composite.Dynamic}
		}
		cfg.Tasks = append(cfg.Tasks, tc)
	}
	for _, s := range doc.Schemas {
		raw, err := json.Marshal(s.Schema)
		if err != nil {
			return Config{}, fmt.Errorf("definition %q: schema %s/%s/%s: %w", doc.Name, s.Element, s.Name, s.Action, err)
		}
		cfg.Schemas = append(cfg.Schemas, SchemaConfig{
			Element: ElementKind(s.Element),
			Name:    s.Name,
			Action:  Action(s.Action),
			Schema:  raw,
		})
	}
	for _, child := range doc.Children {
		ccfg, err := child.config()
		if err != nil {
			return Config{}, err
		}
		cfg.Children = append(cfg.Children, ccfg)
	}
	return cfg, nil
}

// TaskConfigByName returns a pointer into cfg.Tasks so callers can attach
// route predicates, activities, and policies after LoadConfig.
func (cfg *Config) TaskConfigByName(name string) (*TaskConfig, bool) {
	for i := range cfg.Tasks {
		if cfg.Tasks[i].Name == name {
			return &cfg.Tasks[i], true
		}
	}
	return nil, false
}
