package generate

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"shipnotes/pkg/changes"
)

// ErrUnknownTemplate is returned for template names that are not registered.
var ErrUnknownTemplate = errors.New("unknown template")

// DefaultTemplate is used when a request names no template.
const DefaultTemplate = "default"

// Options tune the generated text.
type Options struct {
	Language string   `json:"language,omitempty"`
	Tone     string   `json:"tone,omitempty"`
	Formats  []string `json:"formats,omitempty"`
}

type promptData struct {
	Summary changes.Summary
	Options Options
	Stats   []changes.FileStat
}

const summaryBlock = `Repository: {{.Summary.Repository}}
Title: {{.Summary.Title}}
{{- if .Summary.Description}}
Description:
{{.Summary.Description}}
{{- end}}
Files changed ({{len .Summary.FilesChanged}}):
{{- range .Summary.FilesChanged}}
- {{.}}
{{- end}}
{{- if .Stats}}
Line changes:
{{- range .Stats}}
- {{.Path}}: +{{.Additions}} -{{.Deletions}}
{{- end}}
{{- end}}
`

const styleBlock = `
Write in {{if .Options.Language}}{{.Options.Language}}{{else}}English{{end}}{{if .Options.Tone}} with a {{.Options.Tone}} tone{{end}}.
{{- if .Options.Formats}}
Produce one section per format: {{join .Options.Formats ", "}}.
{{- end}}`

var templates = template.Must(template.New("root").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`
{{define "summary"}}` + summaryBlock + `{{end}}
{{define "style"}}` + styleBlock + `{{end}}
{{define "default"}}Write a short post announcing the following change.
{{template "summary" .}}{{template "style" .}}{{end}}
{{define "changelog"}}Write a changelog entry with a one-line heading followed by bullet points grouped by added, changed and removed.
{{template "summary" .}}{{template "style" .}}{{end}}
{{define "thread"}}Write a thread of at most five short posts, each under 280 characters, numbered 1/ 2/ and so on.
{{template "summary" .}}{{template "style" .}}{{end}}
`))

// Templates lists the selectable template names.
func Templates() []string {
	return []string{"changelog", DefaultTemplate, "thread"}
}

func lookupTemplate(name string) (*template.Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTemplate
	}
	for _, known := range Templates() {
		if known == name {
			return templates.Lookup(name), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
}

func renderPrompt(tmpl *template.Template, summary changes.Summary, opts Options) (string, error) {
	var b strings.Builder
	data := promptData{Summary: summary, Options: opts}
	for _, stat := range summary.DiffStats {
		if stat.Additions > 0 || stat.Deletions > 0 {
			data.Stats = append(data.Stats, stat)
		}
	}
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
