// Package render turns template codes plus recipient variables into email
// content.
//
// A template file is plain html/template. It may define a "subject" block and
// a "text" block; everything outside the blocks is the HTML body:
//
//	{{define "subject"}}Welcome, {{.first_name}}{{end}}
//	<p>Hello {{.first_name}}</p>
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateInvalid  = errors.New("template invalid")
)

type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type Renderer interface {
	Render(ctx context.Context, templateID string, vars map[string]string) (Rendered, error)
}

// Templates is a Renderer backed by html/template.
type Templates struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

func New() *Templates {
	return &Templates{templates: make(map[string]*template.Template)}
}

// LoadDir parses every *.html file in dir. The file name without extension is
// the template code.
func LoadDir(dir string) (*Templates, error) {
	t := New()

	paths, err := filepath.Glob(filepath.Join(dir, "*.html"))
	if err != nil {
		return nil, err
	}

	for _, p := range paths {
		src, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", p, err)
		}
		code := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		if err := t.Register(code, string(src)); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Register parses src and stores it under code, replacing any previous one.
func (t *Templates) Register(code, src string) error {
	tmpl, err := parse(code, src)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.templates[code] = tmpl
	t.mu.Unlock()
	return nil
}

func (t *Templates) Has(code string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.templates[code]
	return ok
}

func (t *Templates) Render(ctx context.Context, templateID string, vars map[string]string) (Rendered, error) {
	t.mu.RLock()
	tmpl, ok := t.templates[templateID]
	t.mu.RUnlock()

	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	return execute(tmpl, vars)
}

// RenderString applies vars to an ad-hoc template source, such as a stored
// generated draft.
func RenderString(name, src string, vars map[string]string) (Rendered, error) {
	tmpl, err := parse(name, src)
	if err != nil {
		return Rendered{}, err
	}
	return execute(tmpl, vars)
}

func parse(name, src string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateInvalid, name, err)
	}
	return tmpl, nil
}

func execute(tmpl *template.Template, vars map[string]string) (Rendered, error) {
	if vars == nil {
		vars = map[string]string{}
	}

	var out Rendered
	var body bytes.Buffer

	if err := tmpl.Execute(&body, vars); err != nil {
		return Rendered{}, fmt.Errorf("%w: %s: %v", ErrTemplateInvalid, tmpl.Name(), err)
	}
	out.HTML = strings.TrimSpace(body.String())

	if sub := tmpl.Lookup("subject"); sub != nil {
		var b bytes.Buffer
		if err := sub.Execute(&b, vars); err != nil {
			return Rendered{}, fmt.Errorf("%w: %s subject: %v", ErrTemplateInvalid, tmpl.Name(), err)
		}
		// subjects are headers, not markup
		out.Subject = html.UnescapeString(strings.TrimSpace(b.String()))
	}

	if txt := tmpl.Lookup("text"); txt != nil {
		var b bytes.Buffer
		if err := txt.Execute(&b, vars); err != nil {
			return Rendered{}, fmt.Errorf("%w: %s text: %v", ErrTemplateInvalid, tmpl.Name(), err)
		}
		out.Text = html.UnescapeString(strings.TrimSpace(b.String()))
	}

	return out, nil
}
