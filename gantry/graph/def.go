package graph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"tangled.sh/tangled.sh/gantry/gantry/models"
)

const DefaultStageTimeout = 10 * time.Minute

type (
	// Definition is the structural representation of a pipeline file.
	Definition struct {
		Name   string     `yaml:"name"`
		Source Source     `yaml:"source"`
		Stages []StageDef `yaml:"stages"`
	}

	Source struct {
		URL    string `yaml:"url"`
		Branch string `yaml:"branch"`
	}

	StageDef struct {
		Name    string            `yaml:"name"`
		Action  string            `yaml:"action"`
		Command string            `yaml:"command"`
		Image   string            `yaml:"image"`
		Timeout string            `yaml:"timeout"`
		Retries int               `yaml:"retries"`
		Needs   StringList        `yaml:"needs"`
		RetryOn []int             `yaml:"retry_on"`
		Env     map[string]string `yaml:"environment"`
		Secrets StringList        `yaml:"secrets"`
		With    map[string]string `yaml:"with"`
	}

	StringList []string
)

// Pipeline is a loaded, validated definition.
type Pipeline struct {
	Name   string
	Source Source
	Graph  *Graph
}

// FromFile parses and validates one pipeline definition. The pipeline name
// defaults to the file name without extension.
func FromFile(name string, contents []byte) (*Pipeline, error) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))

	var def Definition
	if err := yaml.Unmarshal(contents, &def); err != nil {
		return nil, &ConfigurationError{Pipeline: base, Err: fmt.Errorf("%w: %v", ErrInvalidPipeline, err)}
	}
	if def.Name == "" {
		def.Name = base
	}
	return def.Build()
}

// Build converts the structural definition into stage definitions and
// validates the resulting graph.
func (d Definition) Build() (*Pipeline, error) {
	wrap := func(err error) error {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Pipeline = d.Name
			return cerr
		}
		return &ConfigurationError{Pipeline: d.Name, Err: err}
	}

	if d.Name == "" {
		return nil, wrap(fmt.Errorf("%w: missing name", ErrInvalidPipeline))
	}
	if d.Source.Branch == "" {
		d.Source.Branch = "main"
	}

	defs := make([]models.StageDefinition, 0, len(d.Stages))
	for _, s := range d.Stages {
		sd, err := s.toModel()
		if err != nil {
			return nil, wrap(err)
		}
		if sd.Action == models.ActionCheckout && d.Source.URL == "" {
			return nil, wrap(stageErr(sd.Name, ErrInvalidStage, "checkout needs source.url"))
		}
		defs = append(defs, sd)
	}
	if len(defs) == 0 {
		return nil, wrap(fmt.Errorf("%w: no stages", ErrInvalidPipeline))
	}

	g, err := New(defs)
	if err != nil {
		return nil, wrap(err)
	}

	return &Pipeline{Name: d.Name, Source: d.Source, Graph: g}, nil
}

func (s StageDef) toModel() (models.StageDefinition, error) {
	sd := models.StageDefinition{
		Name:    s.Name,
		Action:  models.ActionKind(s.Action),
		Command: s.Command,
		Image:   s.Image,
		Timeout: DefaultStageTimeout,
		Retries: s.Retries,
		Needs:   s.Needs,
		RetryOn: s.RetryOn,
		Env:     s.Env,
		Secrets: s.Secrets,
		With:    s.With,
	}
	if sd.Action == "" {
		sd.Action = models.ActionShell
	}
	if !sd.Action.Valid() {
		return sd, stageErr(s.Name, ErrInvalidStage, "unknown action %q", s.Action)
	}
	if s.Timeout != "" {
		t, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return sd, stageErr(s.Name, ErrInvalidStage, "timeout: %v", err)
		}
		sd.Timeout = t
	}

	required := map[models.ActionKind][]string{
		models.ActionPublish:        {"tarball", "repository"},
		models.ActionUpdateManifest: {"repository", "file"},
	}
	for _, k := range required[sd.Action] {
		if sd.Param(k) == "" {
			return sd, stageErr(s.Name, ErrInvalidStage, "%s needs with.%s", sd.Action, k)
		}
	}
	switch sd.Action {
	case models.ActionShell:
		if sd.Command == "" {
			return sd, stageErr(s.Name, ErrInvalidStage, "shell needs a command")
		}
	case models.ActionContainer:
		if sd.Command == "" || sd.Image == "" {
			return sd, stageErr(s.Name, ErrInvalidStage, "container needs an image and a command")
		}
	case models.ActionUpdateManifest:
		// the target is either a literal reference or an image repository
		if (sd.Param("old") == "") == (sd.Param("image") == "") {
			return sd, stageErr(s.Name, ErrInvalidStage, "update-manifest needs exactly one of with.old and with.image")
		}
	}
	return sd, nil
}

// Load reads every *.yml and *.yaml file in dir. Any malformed file fails the
// whole load.
func Load(dir string) (map[string]*Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline dir: %w", err)
	}

	pipelines := make(map[string]*Pipeline)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		p, err := FromFile(e.Name(), contents)
		if err != nil {
			return nil, err
		}
		if _, dup := pipelines[p.Name]; dup {
			return nil, &ConfigurationError{Pipeline: p.Name, Err: fmt.Errorf("%w: defined twice", ErrInvalidPipeline)}
		}
		pipelines[p.Name] = p
	}
	return pipelines, nil
}

// Names returns pipeline names in sorted order.
func Names(pipelines map[string]*Pipeline) []string {
	names := make([]string, 0, len(pipelines))
	for n := range pipelines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// UnmarshalYAML accepts either a single string or a list of strings.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var str string
		if err := value.Decode(&str); err != nil {
			return err
		}
		*s = []string{str}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
}
