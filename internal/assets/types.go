package assets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"maps"
	"sync"

	"github.com/wolfeidau/webbundle/internal/manifest"
)

// BuildMetadata is the subset of the esbuild metafile the pipeline reads.
type BuildMetadata struct {
	Inputs  map[string]InputInfo  `json:"inputs"`
	Outputs map[string]OutputInfo `json:"outputs"`
}

type InputInfo struct {
	Bytes   int          `json:"bytes"`
	Imports []ImportInfo `json:"imports"`
}

type OutputInfo struct {
	Bytes      int          `json:"bytes"`
	EntryPoint string       `json:"entryPoint,omitempty"`
	CSSBundle  string       `json:"cssBundle,omitempty"`
	Imports    []ImportInfo `json:"imports"`
}

type ImportInfo struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	External bool   `json:"external,omitempty"`
}

// Result describes a completed build.
type Result struct {
	BuildID  string
	Graph    manifest.AssetGraph
	Manifest *manifest.Manifest
	Metadata *BuildMetadata
	// OutputDir is the absolute output directory.
	OutputDir string
	// metafile output keys are relative to the project root; prefix maps them to OutputDir relative paths
	prefix string
}

// Pipeline manages the asset build process and script loading
type Pipeline struct {
	config Config
	result *Result
	tmpl   *template.Template
	mu     sync.RWMutex
}

// New creates a new asset pipeline with the given configuration
func New(config Config) (*Pipeline, error) {
	return newPipeline(config, func(t *template.Template) (*template.Template, error) {
		return t.Parse(defaultTemplate)
	}, nil)
}

// NewWithTemplate creates a new asset pipeline and loads a single template
func NewWithTemplate(config Config, templatePath string) (*Pipeline, error) {
	return NewWithTemplateAndFuncs(config, templatePath, nil)
}

// NewWithTemplateAndFuncs creates a new asset pipeline and loads a single template with custom functions
func NewWithTemplateAndFuncs(config Config, templatePath string, customFuncs template.FuncMap) (*Pipeline, error) {
	return newPipeline(config, func(t *template.Template) (*template.Template, error) {
		return t.ParseFiles(templatePath)
	}, customFuncs)
}

// NewWithTemplateDir creates a new asset pipeline and loads all templates from a directory
func NewWithTemplateDir(config Config, templateDir string) (*Pipeline, error) {
	return NewWithTemplateDirAndFuncs(config, templateDir, nil)
}

// NewWithTemplateDirAndFuncs creates a new asset pipeline and loads all templates from a directory with custom functions
func NewWithTemplateDirAndFuncs(config Config, templateDir string, customFuncs template.FuncMap) (*Pipeline, error) {
	return newPipeline(config, func(t *template.Template) (*template.Template, error) {
		return t.ParseGlob(templateDir + "/*.html")
	}, customFuncs)
}

func newPipeline(config Config, parse func(*template.Template) (*template.Template, error), customFuncs template.FuncMap) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	funcs := template.FuncMap{
		"marshal": marshal,
		"safe": func(s string) template.HTML {
			return template.HTML(s) //nolint:gosec
		},
	}

	// Merge custom functions
	maps.Copy(funcs, customFuncs)

	tmpl, err := parse(template.New(DefaultTemplateName).Funcs(funcs))
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	return &Pipeline{
		config: config,
		tmpl:   tmpl,
	}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// Result returns the last successful build, or nil.
func (p *Pipeline) Result() *Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.result
}

func marshal(value any) string {
	buf := new(bytes.Buffer)

	if err := json.NewEncoder(buf).Encode(value); err != nil {
		panic(errors.New("context can only be json serializable"))
	}

	return buf.String()
}
