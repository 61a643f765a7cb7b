package runtime

// HTMLRuntime is the no-execution path: markup is handed back for client-side rendering.
type HTMLRuntime struct{}

func (h *HTMLRuntime) Name() string { return "html" }

func (h *HTMLRuntime) DisplayName() string { return "HTML" }

func (h *HTMLRuntime) Version() string { return "HTML5" }

func (h *HTMLRuntime) Executes() bool { return false }

func (h *HTMLRuntime) Image() string { return "" }

func (h *HTMLRuntime) InlineCommand(string) []string { return nil }

func (h *HTMLRuntime) Interpreter() []string { return nil }

func (h *HTMLRuntime) InterpreterName() string { return "" }

func (h *HTMLRuntime) FileExtension() string { return ".html" }

func (h *HTMLRuntime) MemoryFlags(int64) []string { return nil }

func (h *HTMLRuntime) Validate(code string) error { return validateSource(code) }
