package runtime

import "fmt"

// JavaScriptRuntime configures execution of JavaScript on Node.js.
type JavaScriptRuntime struct{}

func (j *JavaScriptRuntime) Name() string { return "javascript" }

func (j *JavaScriptRuntime) DisplayName() string { return "JavaScript" }

func (j *JavaScriptRuntime) Version() string { return "Node 20" }

func (j *JavaScriptRuntime) Executes() bool { return true }

func (j *JavaScriptRuntime) Image() string { return "docker.io/library/node:20-alpine" }

func (j *JavaScriptRuntime) InlineCommand(code string) []string {
	return []string{
		"node",
		"--disallow-code-generation-from-strings", // Block eval()
		"-e", code,
	}
}

func (j *JavaScriptRuntime) Interpreter() []string { return []string{"node"} }

func (j *JavaScriptRuntime) InterpreterName() string { return "Node.js" }

func (j *JavaScriptRuntime) FileExtension() string { return ".js" }

// V8 reserves far more address space than it uses, so the heap is capped with
// a flag instead of RLIMIT_AS.
func (j *JavaScriptRuntime) MemoryFlags(memoryMB int64) []string {
	if memoryMB <= 0 {
		return nil
	}
	return []string{fmt.Sprintf("--max-old-space-size=%d", memoryMB)}
}

func (j *JavaScriptRuntime) Validate(code string) error { return validateSource(code) }
