package assets

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultTemplateName is the template rendered when no template set is loaded.
const DefaultTemplateName = "page"

const defaultTemplate = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{ .Title }}</title>
{{- range .Stylesheets }}
<link rel="stylesheet" href="{{ . }}">
{{- end }}
{{- range .Preloads }}
<link rel="modulepreload" href="{{ . }}">
{{- end }}
</head>
<body>
<div id="root"></div>
<script type="module" src="{{ .Entrypoint }}"></script>
</body>
</html>
`

var errNotBuilt = errors.New("assets not built yet, call Build() first")

// LoadScripts returns the ordered list of script paths needed for the given entrypoint
// and the main entrypoint file path. Paths are rooted at the output directory.
func (p *Pipeline) LoadScripts(entryPointPath string) ([]string, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.result == nil {
		return nil, "", errNotBuilt
	}

	name := strings.TrimPrefix(entryPointPath, "/")
	scripts := []string{}
	visited := make(map[string]bool)

	// Find the output file for this entrypoint
	for _, out := range p.result.Graph.Outputs {
		if out.Entry != name || path.Ext(out.Path) == ".css" {
			continue
		}

		key := p.result.outputKey(out.Path)
		entrypoint := "/" + out.Path
		scripts = append(scripts, entrypoint)
		visited[key] = true
		p.addDependencies(p.result.Metadata.Outputs[key], &scripts, visited)
		return scripts, entrypoint, nil
	}

	return nil, "", errors.New("entrypoint not found in metadata")
}

func (p *Pipeline) addDependencies(output OutputInfo, scripts *[]string, visited map[string]bool) {
	for _, imp := range output.Imports {
		// dynamic imports are fetched on demand and external imports are not ours to serve
		if imp.External || imp.Kind != "import-statement" {
			continue
		}
		if !visited[imp.Path] {
			visited[imp.Path] = true
			*scripts = append(*scripts, "/"+p.result.outputRel(imp.Path))

			if chunkInfo, exists := p.result.Metadata.Outputs[imp.Path]; exists {
				p.addDependencies(chunkInfo, scripts, visited)
			}
		}
	}
}

// Stylesheets returns the companion stylesheets extracted for the given entrypoint.
func (p *Pipeline) Stylesheets(entryPointPath string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.result == nil {
		return nil, errNotBuilt
	}

	name := strings.TrimPrefix(entryPointPath, "/")
	sheets := []string{}
	for _, out := range p.result.Graph.Outputs {
		if out.Entry == name && path.Ext(out.Path) == ".css" {
			sheets = append(sheets, "/"+out.Path)
		}
	}
	return sheets, nil
}

// Handler returns an http.HandlerFunc that renders the given template and entrypoint with its scripts
func (p *Pipeline) Handler(templateName, title, entryPointPath string, contextFn func(ctx context.Context) any) (http.HandlerFunc, error) {
	if p.tmpl == nil {
		return nil, errors.New("template not loaded, use NewWithTemplate or NewWithTemplateDir")
	}
	if p.tmpl.Lookup(templateName) == nil {
		return nil, errors.New("template " + templateName + " not found")
	}

	if contextFn == nil {
		contextFn = func(ctx context.Context) any {
			return nil
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		log := zerolog.Ctx(r.Context())

		scripts, entrypoint, err := p.LoadScripts(entryPointPath)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load scripts")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		stylesheets, err := p.Stylesheets(entryPointPath)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load stylesheets")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		data := map[string]any{
			"Title":       title,
			"Scripts":     scripts,
			"Entrypoint":  entrypoint,
			"Preloads":    scripts[1:],
			"Stylesheets": stylesheets,
			"Context":     contextFn(r.Context()),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := p.tmpl.ExecuteTemplate(w, templateName, data); err != nil {
			log.Error().Err(err).Msg("Failed to render template")
		}
	}, nil
}
