package runtime

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) DisplayName() string { return "Python" }

func (p *PythonRuntime) Version() string { return "3.11" }

func (p *PythonRuntime) Executes() bool { return true }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.11-alpine" }

func (p *PythonRuntime) InlineCommand(code string) []string {
	return []string{
		"python",
		"-u", // Unbuffered output
		"-B", // Don't write .pyc files
		"-c", code,
	}
}

func (p *PythonRuntime) Interpreter() []string { return []string{"python3", "-I", "-B"} }

func (p *PythonRuntime) InterpreterName() string { return "Python" }

func (p *PythonRuntime) FileExtension() string { return ".py" }

// CPython has no heap flag; the address-space rlimit covers it.
func (p *PythonRuntime) MemoryFlags(int64) []string { return nil }

func (p *PythonRuntime) Validate(code string) error { return validateSource(code) }
