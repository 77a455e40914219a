package submit

import (
	"fmt"
	"os"
	"strings"
	"text/template"
)

// DefaultTemplate is used when no TASK_TEMPLATE_FILE is configured.
const DefaultTemplate = `You are working in a checkout of {{.Repo}}{{if .PRNumber}}, pull request #{{.PRNumber}}{{if .HeadRef}} (branch {{.HeadRef}}){{end}}{{end}}.
Detected project type: {{.ProjectKind}}.

@{{.Commenter}} asked:

{{.Instruction}}

Make the change, run the project's tests, and commit your work.
Print "::label::<one-line summary>" when you are done and "::commit::<sha>" for every commit you create.
`

// TaskData is what a task template can reference.
type TaskData struct {
	Repo        string
	PRNumber    int
	HeadRef     string
	Commenter   string
	CommentID   int64
	Instruction string
	ProjectKind string
}

type Renderer struct {
	tmpl *template.Template
}

func NewRenderer(text string) (*Renderer, error) {
	tmpl, err := template.New("task").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse task template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// LoadRenderer reads the template at path, or uses DefaultTemplate when
// path is empty.
func LoadRenderer(path string) (*Renderer, error) {
	if path == "" {
		return NewRenderer(DefaultTemplate)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task template: %w", err)
	}
	return NewRenderer(string(b))
}

func (r *Renderer) Render(d TaskData) (string, error) {
	var sb strings.Builder
	if err := r.tmpl.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("render task: %w", err)
	}
	return sb.String(), nil
}
