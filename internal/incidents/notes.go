package incidents

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// AutoResolveNotes are stored on incidents resolved by reconciliation.
const AutoResolveNotes = "auto-resolved: source reports healthy"

//go:embed templates/resolution.tmpl
var templatesFS embed.FS

// NotesRenderer renders structured resolution notes.
type NotesRenderer struct {
	tmpl *template.Template
}

// ResolutionNotes is the data rendered into resolution notes.
type ResolutionNotes struct {
	Reason       string
	ActionTaken  string
	PendingItems string
	Resolver     string
	Severity     domain.Severity
	OpenFor      time.Duration
}

// NewNotesRenderer parses the embedded resolution template.
func NewNotesRenderer() (*NotesRenderer, error) {
	content, err := templatesFS.ReadFile("templates/resolution.tmpl")
	if err != nil {
		return nil, fmt.Errorf("read resolution template: %w", err)
	}

	tmpl, err := template.New("resolution").Funcs(template.FuncMap{
		"title":          titleCase,
		"formatDuration": formatDuration,
	}).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse resolution template: %w", err)
	}

	return &NotesRenderer{tmpl: tmpl}, nil
}

// Render renders notes for a manual resolution.
func (r *NotesRenderer) Render(notes ResolutionNotes) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, notes); err != nil {
		return "", fmt.Errorf("execute resolution template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// A Caser keeps state between calls, so each render builds its own.
func titleCase(s domain.Severity) string {
	return cases.Title(language.English).String(strings.ReplaceAll(strings.ToLower(string(s)), "_", " "))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours > 0 {
		if minutes > 0 {
			return fmt.Sprintf("%dh %dm", hours, minutes)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dm", minutes)
}
