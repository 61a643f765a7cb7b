package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxCodeLength is the largest accepted submission, counted in characters.
const MaxCodeLength = 5000

var (
	ErrEmptyCode   = errors.New("code cannot be empty")
	ErrCodeTooLong = fmt.Errorf("code is too long (max %d characters)", MaxCodeLength)
)

// Runtime describes how one language is executed by each isolation variant.
type Runtime interface {
	// Name returns the language identifier used on the wire (e.g. "python").
	Name() string

	// DisplayName and Version feed the capability listing.
	DisplayName() string
	Version() string

	// Executes reports whether submitted code is run at all. HTML is echoed back.
	Executes() bool

	// Image returns the container image with the interpreter preinstalled.
	Image() string

	// InlineCommand returns the container command that runs code passed as an
	// argument, so no file is shared with the host.
	InlineCommand(code string) []string

	// Interpreter returns the default argv for process isolation. The source
	// file path is appended by the caller.
	Interpreter() []string

	// InterpreterName is the product name used in missing-interpreter diagnostics.
	InterpreterName() string

	// FileExtension returns the extension for temporary source artifacts.
	FileExtension() string

	// MemoryFlags returns interpreter flags enforcing a heap ceiling. Runtimes
	// returning nil get an address-space rlimit instead.
	MemoryFlags(memoryMB int64) []string

	// Validate applies the submission size rules.
	Validate(code string) error
}

func validateSource(code string) error {
	if strings.TrimSpace(code) == "" {
		return ErrEmptyCode
	}
	if utf8.RuneCountInString(code) > MaxCodeLength {
		return ErrCodeTooLong
	}
	return nil
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&JavaScriptRuntime{})
	r.Register(&HTMLRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns the container images needed by executing runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, name := range r.Languages() {
		if rt := r.runtimes[name]; rt.Executes() {
			images = append(images, rt.Image())
		}
	}
	return images
}
