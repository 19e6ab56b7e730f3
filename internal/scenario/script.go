package scenario

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a scenario file.
type File struct {
	Name      string              `yaml:"name"`
	Kind      string              `yaml:"kind"`
	BaseURL   string              `yaml:"base_url"`
	Cookie    string              `yaml:"cookie"`
	Headers   map[string]string   `yaml:"headers"`
	ThinkTime string              `yaml:"think_time"`
	Vars      map[string]string   `yaml:"vars"`
	Pools     map[string][]string `yaml:"pools"`
	PoolFiles map[string]string   `yaml:"pool_files"`
	Login     *EndpointSpec       `yaml:"login"`
	Endpoints []EndpointSpec      `yaml:"endpoints"`
	Resources []string            `yaml:"resources"`
}

// EndpointSpec is one endpoint as written in a scenario file.
type EndpointSpec struct {
	Name   string `yaml:"name"`
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	Params any    `yaml:"params"`
	// Capture maps session names to response headers.
	Capture map[string]string `yaml:"capture"`
}

// Kinds accepted in scenario files.
const (
	KindSession    = "session"
	KindSequential = "sequential"
	KindBatch      = "batch"
)

// LoadOptions adjusts a scenario while loading it.
type LoadOptions struct {
	// BaseURL replaces the file's base_url when set.
	BaseURL string
	// Dir resolves relative pool_files.
	Dir string
}

// Script is the built-in Scenario driven by a scenario file. It is
// immutable after loading and safe for concurrent use.
type Script struct {
	name      string
	kind      Kind
	baseURL   string
	cookie    string
	header    map[string]*template.Template
	thinkTime time.Duration
	vars      map[string]string
	pools     map[string][]string
	poolNames []string
	login     *compiledEndpoint
	endpoints []compiledEndpoint
	engine    *TemplateEngine
}

type compiledEndpoint struct {
	name     string
	method   string
	resource string
	path     *template.Template
	params   any
	capture  map[string]string
	session  []string
}

// LoadFile reads and compiles a scenario file.
func LoadFile(path string, opts LoadOptions) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	if opts.Dir == "" {
		opts.Dir = filepath.Dir(path)
	}
	s, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	if s.name == "" {
		s.name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

// Parse compiles a scenario from YAML.
func Parse(data []byte, opts LoadOptions) (*Script, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return Compile(f, opts)
}

// Compile validates f and prepares its templates.
func Compile(f File, opts LoadOptions) (*Script, error) {
	s := &Script{
		name:    f.Name,
		baseURL: strings.TrimRight(f.BaseURL, "/"),
		cookie:  f.Cookie,
		vars:    make(map[string]string, len(f.Vars)),
		pools:   make(map[string][]string, len(f.Pools)+len(f.PoolFiles)),
		header:  make(map[string]*template.Template, len(f.Headers)),
		engine:  NewTemplateEngine(),
	}
	if opts.BaseURL != "" {
		s.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}

	var errs []error
	switch strings.ToLower(f.Kind) {
	case KindSession:
		s.kind = Sequential
		if f.Login == nil {
			errs = append(errs, errors.New("session scenarios need a login endpoint"))
		}
	case KindSequential, "":
		s.kind = Sequential
		if f.Login != nil {
			errs = append(errs, errors.New("login is only used by session scenarios"))
		}
	case KindBatch:
		s.kind = Batched
		if f.Login != nil {
			errs = append(errs, errors.New("batch scenarios can't have a login endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown scenario kind %q", f.Kind))
	}

	if f.ThinkTime != "" {
		d, err := time.ParseDuration(f.ThinkTime)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("think_time: %w", err))
		case d < 0:
			errs = append(errs, errors.New("think_time can't be negative"))
		default:
			s.thinkTime = d
		}
	}

	for k, v := range f.Vars {
		s.vars[k] = v
	}
	for name, values := range f.Pools {
		if len(values) == 0 {
			errs = append(errs, fmt.Errorf("pool %q is empty", name))
			continue
		}
		s.pools[name] = append([]string(nil), values...)
	}
	for name, file := range f.PoolFiles {
		if !filepath.IsAbs(file) && opts.Dir != "" {
			file = filepath.Join(opts.Dir, file)
		}
		lines, err := s.engine.lines(file)
		if err != nil {
			errs = append(errs, fmt.Errorf("pool %q: %w", name, err))
			continue
		}
		if len(lines) == 0 {
			errs = append(errs, fmt.Errorf("pool %q: %s has no values", name, file))
			continue
		}
		s.pools[name] = append(s.pools[name], lines...)
	}
	for name := range s.pools {
		s.poolNames = append(s.poolNames, name)
	}
	sort.Strings(s.poolNames)

	names := s.varNames()
	for k, v := range f.Headers {
		if len(SessionNames(v)) > 0 {
			errs = append(errs, fmt.Errorf("header %s: headers can't read session values", k))
			continue
		}
		t, err := s.engine.Parse("header "+k, v, names)
		if err != nil {
			errs = append(errs, fmt.Errorf("header %s: %w", k, err))
			continue
		}
		s.header[http.CanonicalHeaderKey(k)] = t
	}

	if f.Login != nil {
		ce, err := s.compileEndpoint("login", *f.Login, names)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.login = &ce
		}
	}
	for i, spec := range f.Endpoints {
		ce, err := s.compileEndpoint(fmt.Sprintf("endpoint %d", i), spec, names)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.endpoints = append(s.endpoints, ce)
	}
	for i, res := range f.Resources {
		ce, err := s.compileEndpoint(fmt.Sprintf("resource %d", i), EndpointSpec{
			Name:   "valid static",
			Method: http.MethodGet,
			Path:   res,
		}, names)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.endpoints = append(s.endpoints, ce)
	}

	if s.kind == Batched {
		for _, ce := range s.endpoints {
			if len(ce.session) > 0 || len(ce.capture) > 0 {
				errs = append(errs, fmt.Errorf("%s: batch scenarios have no session", ce.name))
			}
		}
	}
	if s.login != nil && len(s.login.session) > 0 {
		errs = append(errs, errors.New("login can't read session values"))
	}
	if len(f.Endpoints)+len(f.Resources) == 0 {
		errs = append(errs, errors.New("no endpoints or resources"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	// render once so template and URL problems surface before the run
	p, err := s.Plan(rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		return nil, err
	}
	if s.baseURL == "" {
		for _, e := range append(loginOrEmpty(p.Login), p.Endpoints...) {
			if !isAbsolute(e.Path) {
				return nil, fmt.Errorf("%s: relative path %q needs a base_url", e.Name, e.Path)
			}
		}
	}
	return s, nil
}

func loginOrEmpty(e *Endpoint) []Endpoint {
	if e == nil {
		return nil
	}
	return []Endpoint{*e}
}

func (s *Script) varNames() []string {
	names := make([]string, 0, len(s.vars)+len(s.pools))
	for k := range s.vars {
		names = append(names, k)
	}
	names = append(names, s.poolNames...)
	return names
}

func (s *Script) compileEndpoint(where string, spec EndpointSpec, names []string) (compiledEndpoint, error) {
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return compiledEndpoint{}, fmt.Errorf("%s: unsupported method %q", where, spec.Method)
	}
	if spec.Path == "" {
		return compiledEndpoint{}, fmt.Errorf("%s: empty path", where)
	}

	name := spec.Name
	if name == "" {
		name = where
	}
	path, err := s.engine.Parse(where+" path", spec.Path, names)
	if err != nil {
		return compiledEndpoint{}, fmt.Errorf("%s path: %w", where, err)
	}
	params, err := s.compileValue(where+" params", spec.Params, names)
	if err != nil {
		return compiledEndpoint{}, err
	}
	return compiledEndpoint{
		name:     name,
		method:   method,
		resource: spec.Path,
		path:     path,
		params:   params,
		capture:  spec.Capture,
		session:  append(SessionNames(spec.Path), paramSessionNames(spec.Params)...),
	}, nil
}

func paramSessionNames(v any) []string {
	switch t := v.(type) {
	case string:
		return SessionNames(t)
	case map[string]any:
		var names []string
		for _, e := range t {
			names = append(names, paramSessionNames(e)...)
		}
		return names
	case []any:
		var names []string
		for _, e := range t {
			names = append(names, paramSessionNames(e)...)
		}
		return names
	}
	return nil
}

// compileValue turns template strings inside params into parsed templates.
func (s *Script) compileValue(where string, v any, names []string) (any, error) {
	switch t := v.(type) {
	case string:
		if !IsTemplate(t) {
			return t, nil
		}
		tmpl, err := s.engine.Parse(where, t, names)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		return tmpl, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			c, err := s.compileValue(where+"."+k, e, names)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			c, err := s.compileValue(fmt.Sprintf("%s[%d]", where, i), e, names)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	return v, nil
}

func (s *Script) renderValue(v any, data TemplateData) (any, error) {
	switch t := v.(type) {
	case *template.Template:
		return s.engine.Execute(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := s.renderValue(e, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := s.renderValue(e, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func (s *Script) render(ce compiledEndpoint, data TemplateData) (Endpoint, error) {
	if len(ce.session) == 0 {
		return s.renderWith(ce, data)
	}
	// session lookups render empty until the iteration resolves them
	e, err := s.renderWith(ce, data.WithSession(ce.session, nil))
	if err != nil {
		return Endpoint{}, err
	}
	e.Resolve = func(values map[string]string) (Endpoint, error) {
		return s.renderWith(ce, data.WithSession(ce.session, values))
	}
	return e, nil
}

func (s *Script) renderWith(ce compiledEndpoint, data TemplateData) (Endpoint, error) {
	path, err := s.engine.Execute(ce.path, data)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s: rendering path: %w", ce.name, err)
	}
	params, err := s.renderValue(ce.params, data)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s: rendering params: %w", ce.name, err)
	}
	return Endpoint{
		Name:     ce.name,
		Method:   ce.method,
		Path:     path,
		Params:   params,
		Resource: ce.resource,
		Capture:  ce.capture,
	}, nil
}

// Name returns the scenario name.
func (s *Script) Name() string { return s.name }

// Kind returns how the plan's endpoints are executed.
func (s *Script) Kind() Kind { return s.kind }

// Plan draws one value from every pool using rng and renders the endpoint
// templates for one iteration.
func (s *Script) Plan(rng *rand.Rand) (Plan, error) {
	data := make(TemplateData, len(s.vars)+len(s.poolNames))
	for k, v := range s.vars {
		data[k] = v
	}
	for _, name := range s.poolNames {
		pool := s.pools[name]
		data[name] = pool[rng.IntN(len(pool))]
	}

	p := Plan{
		Kind:      s.kind,
		BaseURL:   s.baseURL,
		Cookie:    s.cookie,
		ThinkTime: s.thinkTime,
		Header:    make(http.Header, len(s.header)),
		Endpoints: make([]Endpoint, 0, len(s.endpoints)),
	}
	for k, t := range s.header {
		v, err := s.engine.Execute(t, data)
		if err != nil {
			return Plan{}, fmt.Errorf("header %s: %w", k, err)
		}
		p.Header.Set(k, v)
	}
	if s.login != nil {
		e, err := s.render(*s.login, data)
		if err != nil {
			return Plan{}, err
		}
		p.Login = &e
	}
	for _, ce := range s.endpoints {
		e, err := s.render(ce, data)
		if err != nil {
			return Plan{}, err
		}
		p.Endpoints = append(p.Endpoints, e)
	}
	return p, nil
}
