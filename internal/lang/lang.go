// Package lang implements C3, the language registry: a read-only table
// of compile/run command templates loaded from env.rbx.yml at startup
// (spec.md §4.3).
package lang

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Language describes how to compile and run one language or file type.
type Language struct {
	Name       string   `yaml:"name"`
	Extensions []string `yaml:"extensions"`

	CompileCommands [][]string `yaml:"compileCommands"` // each inner slice is one argv, substituted literally
	RunCommand      []string   `yaml:"runCommand"`

	FileMapping map[string]string `yaml:"fileMapping"` // logical name -> physical filename, e.g. "compilable" -> "compilable.cpp"

	// OutputOnly marks a pseudo-language whose "source" is a precomputed
	// answer blob rather than something to compile and run per testcase
	// (SUPPLEMENTED FEATURES: output-only "cat" language). Callers that
	// see this set decode the submission with DecodeOutputOnlySource
	// instead of treating the compiled artifact as shared across every
	// testcase.
	OutputOnly bool `yaml:"outputOnly"`
}

// fileConfig is the on-disk shape of env.rbx.yml.
type fileConfig struct {
	Languages []Language `yaml:"languages"`
}

// Registry is the read-only, loaded-once language table.
type Registry struct {
	byName      map[string]Language
	byExtension []extEntry // preserves declaration order for first-match lookup
}

type extEntry struct {
	ext  string
	lang Language
}

// knownMarkers are the only substitution markers command templates may
// use; anything else is a startup error (§6 "Unknown markers are a
// startup error").
var knownMarkers = map[string]bool{
	"{compilable}":         true,
	"{executable}":         true,
	"{compilation_flags}":  true,
	"{memory_limit}":       true,
}

// Load parses env.rbx.yml at path and validates every command template.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lang: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("lang: parse %s: %w", path, err)
	}
	return build(fc.Languages)
}

// LoadBuiltins constructs a Registry directly from an in-memory list,
// used for the built-in output-only "cat" pseudo-language and in tests.
func LoadBuiltins(langs []Language) (*Registry, error) {
	return build(langs)
}

func build(langs []Language) (*Registry, error) {
	r := &Registry{byName: make(map[string]Language)}
	for _, l := range langs {
		if err := validateTemplates(l); err != nil {
			return nil, fmt.Errorf("lang: %s: %w", l.Name, err)
		}
		if _, exists := r.byName[l.Name]; exists {
			return nil, fmt.Errorf("lang: duplicate language name %q", l.Name)
		}
		r.byName[l.Name] = l
		for _, ext := range l.Extensions {
			r.byExtension = append(r.byExtension, extEntry{ext: ext, lang: l})
		}
	}
	return r, nil
}

func validateTemplates(l Language) error {
	check := func(tokens []string) error {
		for _, tok := range tokens {
			rest := tok
			for {
				start := strings.IndexByte(rest, '{')
				if start < 0 {
					break
				}
				end := strings.IndexByte(rest[start:], '}')
				if end < 0 {
					break
				}
				marker := rest[start : start+end+1]
				if !knownMarkers[marker] {
					return fmt.Errorf("unknown substitution marker %q in %q", marker, tok)
				}
				rest = rest[start+end+1:]
			}
		}
		return nil
	}
	for _, cmd := range l.CompileCommands {
		if err := check(cmd); err != nil {
			return err
		}
	}
	return check(l.RunCommand)
}

// ByExtension returns the first language declared with ext among its
// Extensions (§4.3 "first match in declared order").
func (r *Registry) ByExtension(ext string) (Language, bool) {
	for _, e := range r.byExtension {
		if e.ext == ext {
			return e.lang, true
		}
	}
	return Language{}, false
}

// ByName returns the language with an exact name match.
func (r *Registry) ByName(name string) (Language, bool) {
	l, ok := r.byName[name]
	return l, ok
}

// Substitutions carries the values used to fill in a command template.
type Substitutions struct {
	Compilable       string
	Executable       string
	CompilationFlags string
	MemoryLimitMB    int64
}

// Render performs the literal (non-shell) substitution described in
// §4.3: each token gets {compilable}/{executable}/{compilation_flags}/
// {memory_limit} replaced, with no further interpretation.
func Render(tokens []string, sub Substitutions) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "{compilable}", sub.Compilable)
		tok = strings.ReplaceAll(tok, "{executable}", sub.Executable)
		tok = strings.ReplaceAll(tok, "{compilation_flags}", sub.CompilationFlags)
		tok = strings.ReplaceAll(tok, "{memory_limit}", strconv.FormatInt(sub.MemoryLimitMB, 10))
		out[i] = tok
	}
	return out
}

// RenderCompileCommands renders every compile command in order; the
// caller executes them in sequence, aborting on first failure (§4.3).
func (l Language) RenderCompileCommands(sub Substitutions) [][]string {
	out := make([][]string, len(l.CompileCommands))
	for i, cmd := range l.CompileCommands {
		out[i] = Render(cmd, sub)
	}
	return out
}

// RenderRunCommand renders the run command.
func (l Language) RenderRunCommand(sub Substitutions) []string {
	return Render(l.RunCommand, sub)
}

// PhysicalName resolves a logical file name ("compilable", "executable")
// to its physical filename inside the sandbox workdir, falling back to
// the logical name itself when unmapped.
func (l Language) PhysicalName(logical string) string {
	if p, ok := l.FileMapping[logical]; ok {
		return p
	}
	return logical
}

// CatLanguage is the supplemented built-in pseudo-language for
// output-only tasks: there is no compilation step, and "running" it
// just streams a precomputed answer file back out (SUPPLEMENTED
// FEATURES: output-only "cat" language). The submitted file is decoded
// per testcase by DecodeOutputOnlySource before this command ever runs,
// so {compilable} always resolves to the one testcase's own answer.
var CatLanguage = Language{
	Name:            "cat",
	Extensions:      []string{".out", ".ans"},
	CompileCommands: nil,
	RunCommand:      []string{"/bin/cat", "{compilable}"},
	FileMapping: map[string]string{
		"compilable": "answer.txt",
		"executable": "answer.txt",
	},
	OutputOnly: true,
}
