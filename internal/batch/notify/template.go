package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Batch run {{.Status}}]
Month: {{.Month}}
Run: {{.RunID}}
Units: {{.Succeeded}}/{{.Total}} succeeded, {{.Failed}} failed, {{.Canceled}} canceled
{{ range .Failures }}- {{.Stage}} {{.Subject}}: {{.Kind}} {{.Error}}
{{ end }}{{ if .More }}... and {{.More}} more
{{ end }}{{ if .ReportURL }}Report: {{.ReportURL}}
{{ end }}`

// FailureLine is one failed unit in the message.
type FailureLine struct {
	Stage   string
	Subject string
	Kind    string
	Error   string
}

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	RunID     string
	Month     string
	Status    string
	Total     int
	Succeeded int
	Failed    int
	Canceled  int
	Failures  []FailureLine
	More      int
	ReportURL string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("batch-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("batch template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
