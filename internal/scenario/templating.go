package scenario

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand/v2"
	"os"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// TemplateEngine parses and executes the templates found in scenario
// paths, params and headers.
type TemplateEngine struct {
	fileCache map[string][]string
	mu        sync.RWMutex
	funcMap   template.FuncMap
	now       func() time.Time
}

// TemplateData is the per-iteration variable set: script vars plus one
// value drawn from each pool.
type TemplateData map[string]string

// NewTemplateEngine initializes the engine and its functions.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		fileCache: make(map[string][]string),
		now:       time.Now,
	}

	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomUUID":   e.randomUUID,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
		"uuid":         e.randomUUID,
		"today":        e.today,
	}

	return e
}

// sessionPrefix marks session values inside TemplateData.
const sessionPrefix = "session:"

var sessionRef = regexp.MustCompile(`\{\{\s*session\s+"([^"]+)"\s*\}\}`)

// Preprocess rewrites bare variables like {{custNo}} into map lookups so
// names with dashes work as well. {{session "name"}} becomes a lookup of
// a value captured earlier in the iteration.
func (e *TemplateEngine) Preprocess(input string, vars []string) string {
	s := input
	for _, name := range vars {
		s = strings.ReplaceAll(s, "{{"+name+"}}", fmt.Sprintf("{{index . %q}}", name))
	}
	return sessionRef.ReplaceAllString(s, `{{index . "`+sessionPrefix+`$1"}}`)
}

// SessionNames lists the session values text reads.
func SessionNames(text string) []string {
	var names []string
	for _, m := range sessionRef.FindAllStringSubmatch(text, -1) {
		names = append(names, m[1])
	}
	return names
}

// WithSession returns a copy of data extended with the named session
// values. Names missing from values render as "".
func (d TemplateData) WithSession(names []string, values map[string]string) TemplateData {
	out := make(TemplateData, len(d)+len(names))
	for k, v := range d {
		out[k] = v
	}
	for _, name := range names {
		out[sessionPrefix+name] = values[name]
	}
	return out
}

// Parse creates a new template with the engine's functions.
func (e *TemplateEngine) Parse(name, text string, vars []string) (*template.Template, error) {
	return template.New(name).
		Funcs(e.funcMap).
		Option("missingkey=error").
		Parse(e.Preprocess(text, vars))
}

// Execute runs the template with data.
func (e *TemplateEngine) Execute(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]string(data)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// IsTemplate reports whether s contains template actions.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// --- Functions ---

func (e *TemplateEngine) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.IntN(max-min) + min
}

func (e *TemplateEngine) randomUUID() string {
	return uuid.New().String()
}

func (e *TemplateEngine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.IntN(len(choices))]
}

// today formats the current date as YYYYMMDD.
func (e *TemplateEngine) today() string {
	return e.now().Format("20060102")
}

func (e *TemplateEngine) randomLine(filename string) (string, error) {
	lines, err := e.lines(filename)
	if err != nil || len(lines) == 0 {
		return "", err
	}
	return lines[rand.IntN(len(lines))], nil
}

// lines loads filename once and caches its non-empty lines.
func (e *TemplateEngine) lines(filename string) ([]string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()
	if ok {
		return lines, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if lines, ok = e.fileCache[filename]; ok {
		return lines, nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file '%s': %w", filename, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file '%s': %w", filename, err)
	}

	e.fileCache[filename] = loaded
	return loaded, nil
}
