package assessment

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/template"
	"time"
)

//go:embed prompts/*.txt
var embeddedPrompts embed.FS

// Template names one of the fixed instruction templates.
type Template string

const (
	TemplateFillIn  Template = "fillin"
	TemplateAnalyze Template = "analyze"
)

// Templates lists every template the composer loads.
var Templates = []Template{TemplateFillIn, TemplateAnalyze}

// DataDelimiter separates the instructions from the caller's payload.
const DataDelimiter = "===DATA INPUT==="

// Composer holds the rendered instruction templates. Templates are loaded
// and rendered once; Compose is pure string assembly.
type Composer struct {
	instructions map[Template]string
}

// NewComposer loads templates from dir, or from the embedded defaults when
// dir is empty.
func NewComposer(dir string) (*Composer, error) {
	var fsys fs.FS
	if dir == "" {
		sub, err := fs.Sub(embeddedPrompts, "prompts")
		if err != nil {
			return nil, err
		}
		fsys = sub
	} else {
		fsys = os.DirFS(dir)
	}
	return NewComposerFS(fsys)
}

// NewComposerFS loads <name>.txt for every template from fsys.
func NewComposerFS(fsys fs.FS) (*Composer, error) {
	data := struct {
		Disclaimer string
		Delimiter  string
	}{Disclaimer, DataDelimiter}
	funcs := template.FuncMap{"enum": EnumHint}

	c := &Composer{instructions: make(map[Template]string, len(Templates))}
	for _, name := range Templates {
		file := string(name) + ".txt"
		src, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("load prompt %s: %w", file, err)
		}
		tmpl, err := template.New(file).Funcs(funcs).Option("missingkey=error").Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", file, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render prompt %s: %w", file, err)
		}
		c.instructions[name] = strings.TrimRight(buf.String(), "\n")
	}
	return c, nil
}

// Instructions returns the rendered instruction text for t.
func (c *Composer) Instructions(t Template) (string, error) {
	s, ok := c.instructions[t]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", t)
	}
	return s, nil
}

// Compose builds the prompt: an optional reference-date line, the
// instructions, then the delimiter and payload when a payload is given.
// The payload is inserted verbatim.
func (c *Composer) Compose(t Template, payload string, referenceDate *time.Time) (string, error) {
	instructions, err := c.Instructions(t)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if referenceDate != nil {
		fmt.Fprintf(&b, "Reference date: %s\n\n", referenceDate.Format("2006-01-02"))
	}
	b.WriteString(instructions)
	if payload != "" {
		b.WriteString("\n\n")
		b.WriteString(DataDelimiter)
		b.WriteString("\n")
		b.WriteString(payload)
	}
	return b.String(), nil
}
