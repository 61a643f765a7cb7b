package monitor

import (
	"regexp"
	"slices"
	"strings"
)

// Severity grades a finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection is one finding in a submission or its output.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// Rule is a named regex over submitted code. A rule with no Languages
// applies to every language.
type Rule struct {
	Name      string
	Detail    string
	Languages []string
	Regex     *regexp.Regexp
	Severity  Severity
}

func (r Rule) appliesTo(language string) bool {
	return len(r.Languages) == 0 || slices.Contains(r.Languages, language)
}

// EscapeDetector looks for submissions working around the policy filter and
// for output showing that one got through. Findings are logged and
// counted; they never decide whether code runs.
type EscapeDetector struct {
	code   []Rule
	output []Rule
}

// NewEscapeDetector returns a detector with the built-in rules.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{code: codeRules(), output: outputRules()}
}

// AnalyzeCode reports one detection per matching rule per line.
func (d *EscapeDetector) AnalyzeCode(language, code string) []Detection {
	var detections []Detection
	for i, line := range strings.Split(code, "\n") {
		for _, r := range d.code {
			if r.appliesTo(language) && r.Regex.MatchString(line) {
				detections = append(detections, Detection{
					Pattern:  r.Name,
					Severity: r.Severity.String(),
					Detail:   r.Detail,
					Line:     i + 1,
				})
			}
		}
	}
	return detections
}

// AnalyzeOutput reports content a submission should never be able to print.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection
	for _, r := range d.output {
		if r.Regex.MatchString(output) {
			detections = append(detections, Detection{
				Pattern:  r.Name,
				Severity: r.Severity.String(),
				Detail:   r.Detail,
			})
		}
	}
	return detections
}

var (
	pythonOnly     = []string{"python"}
	javascriptOnly = []string{"javascript"}
)

func codeRules() []Rule {
	return []Rule{
		{
			Name:      "dunder_introspection",
			Detail:    "walking object internals to reach restricted builtins",
			Languages: pythonOnly,
			Regex:     regexp.MustCompile(`__(subclasses|globals|builtins|bases|mro|code|class|import)__`),
			Severity:  SeverityHigh,
		},
		{
			Name:      "builtins_lookup",
			Detail:    "resolving names through the namespace dictionaries",
			Languages: pythonOnly,
			Regex:     regexp.MustCompile(`\b(globals|locals|vars)\s*\(\s*\)|getattr\s*\(\s*__builtins__`),
			Severity:  SeverityMedium,
		},
		{
			Name:      "native_bridge",
			Detail:    "loading native code or raw memory access",
			Languages: pythonOnly,
			Regex:     regexp.MustCompile(`\b(ctypes|cffi|mmap)\b`),
			Severity:  SeverityHigh,
		},
		{
			Name:      "constructor_escape",
			Detail:    "reaching the Function constructor through a prototype chain",
			Languages: javascriptOnly,
			Regex:     regexp.MustCompile(`constructor\s*\.\s*constructor|constructor\s*\[\s*['"]constructor|\bFunction\s*\(\s*['"]`),
			Severity:  SeverityHigh,
		},
		{
			Name:      "computed_require",
			Detail:    "loading a module through a computed name",
			Languages: javascriptOnly,
			Regex:     regexp.MustCompile(`\brequire\s*\(\s*[^'"\s)]|\bmodule\s*\[|process\s*\.\s*(binding|dlopen|mainModule)|\bimport\s*\(\s*[^'"\s)]`),
			Severity:  SeverityHigh,
		},
		{
			Name:      "prototype_tampering",
			Detail:    "rewriting shared prototypes",
			Languages: javascriptOnly,
			Regex:     regexp.MustCompile(`__proto__|Object\s*\.\s*setPrototypeOf|\.prototype\s*\[`),
			Severity:  SeverityMedium,
		},
		{
			Name:     "name_obfuscation",
			Detail:   "assembling identifiers at runtime to dodge the deny-list",
			Regex:    regexp.MustCompile(`String\.fromCharCode|globalThis\s*\[|\[\s*['"]\w+['"]\s*\+\s*['"]|\bchr\s*\(\s*\d+\s*\)\s*\+|b64decode|\batob\s*\(|['"]base64['"]`),
			Severity: SeverityMedium,
		},
		{
			Name:     "detached_child",
			Detail:   "starting a process outside the run's session",
			Regex:    regexp.MustCompile(`\bsetsid\b|start_new_session|detached\s*:\s*true|\bnohup\b|\bdisown\b`),
			Severity: SeverityCritical,
		},
		{
			Name:     "sensitive_path",
			Detail:   "reading host identity or process internals",
			Regex:    regexp.MustCompile(`/etc/(passwd|shadow)|/proc/(self|1)/(environ|root|exe|maps|mem|cmdline)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "environment_read",
			Detail:   "reading the interpreter's environment",
			Regex:    regexp.MustCompile(`process\s*\.\s*env\b|os\s*\.\s*environ\b|os\s*\.\s*getenv\b`),
			Severity: SeverityLow,
		},
		{
			Name:     "metadata_service",
			Detail:   "reaching a cloud metadata endpoint",
			Regex:    regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal`),
			Severity: SeverityHigh,
		},
		{
			Name:     "resource_bomb",
			Detail:   "allocating or forking without bound",
			Regex:    regexp.MustCompile(`\*\s*\d{8,}|\*\*\s*\d{3,}|\.repeat\s*\(\s*\d{8,}|new\s+Array\s*\(\s*\d{8,}|\bos\s*\.\s*fork\s*\(|\bcluster\s*\.\s*fork\s*\(`),
			Severity: SeverityMedium,
		},
	}
}

func outputRules() []Rule {
	return []Rule{
		{
			Name:     "passwd_leak",
			Detail:   "account database in output",
			Regex:    regexp.MustCompile(`root:x:0:0:`),
			Severity: SeverityCritical,
		},
		{
			Name:     "shadow_leak",
			Detail:   "password hashes in output",
			Regex:    regexp.MustCompile(`root:(\*|!|\$\d\$)`),
			Severity: SeverityCritical,
		},
		{
			Name:     "secret_leak",
			Detail:   "server credentials in output",
			Regex:    regexp.MustCompile(`(DATABASE_URL|POSTGRES_PASSWORD|AWS_SECRET_ACCESS_KEY|AWS_SESSION_TOKEN)=`),
			Severity: SeverityCritical,
		},
		{
			Name:     "metadata_leak",
			Detail:   "cloud metadata response in output",
			Regex:    regexp.MustCompile(`"?(ami-id|instance-identity|computeMetadata)"?`),
			Severity: SeverityHigh,
		},
	}
}
