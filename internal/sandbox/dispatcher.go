package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"codequest-sandbox/internal/monitor"
	"codequest-sandbox/internal/policy"
	"codequest-sandbox/internal/runtime"
)

const defaultGracePeriod = 2 * time.Second

// Dispatcher routes a request through the policy filter to the provider for
// its language and normalizes the outcome. It holds no per-request state and
// is safe for concurrent use.
type Dispatcher struct {
	runtimes  *runtime.Registry
	providers map[string]Provider
	limits    Limits
	grace     time.Duration
	sem       chan struct{}

	policy   *policy.Filter
	detector *monitor.EscapeDetector
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
}

type Option func(*Dispatcher)

func WithMetrics(m *monitor.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTracer(t *monitor.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithDetector enables advisory escape detection on code and output.
func WithDetector(det *monitor.EscapeDetector) Option {
	return func(d *Dispatcher) { d.detector = det }
}

// WithMaxConcurrent caps simultaneously running units. Excess requests queue.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithGracePeriod bounds how long a provider may take to tear down after
// the deadline before its result is abandoned.
func WithGracePeriod(g time.Duration) Option {
	return func(d *Dispatcher) {
		if g >= 0 {
			d.grace = g
		}
	}
}

func WithPolicy(f *policy.Filter) Option {
	return func(d *Dispatcher) { d.policy = f }
}

func WithRuntimes(r *runtime.Registry) Option {
	return func(d *Dispatcher) { d.runtimes = r }
}

// NewDispatcher maps each executing language to a provider. Every executing
// runtime in the registry must have one.
func NewDispatcher(providers map[string]Provider, limits Limits, opts ...Option) (*Dispatcher, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		runtimes:  runtime.NewRegistry(),
		providers: providers,
		limits:    limits,
		grace:     defaultGracePeriod,
		sem:       make(chan struct{}, 100),
		policy:    policy.NewFilter(nil),
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, lang := range d.runtimes.Languages() {
		rt, _ := d.runtimes.Get(lang)
		if !rt.Executes() {
			continue
		}
		if _, ok := d.providers[lang]; !ok {
			return nil, fmt.Errorf("no isolation provider configured for %s", lang)
		}
	}
	return d, nil
}

// Runtimes exposes the language registry for listing and validation.
func (d *Dispatcher) Runtimes() *runtime.Registry { return d.runtimes }

// Limits returns the limits applied to every execution.
func (d *Dispatcher) Limits() Limits { return d.limits }

// ProviderFor names the provider serving a language, or "" for echo-only languages.
func (d *Dispatcher) ProviderFor(language string) string {
	if p, ok := d.providers[language]; ok {
		return p.Name()
	}
	return ""
}

// Execute runs one request. A non-nil error means the request itself was
// malformed (ErrInvalidRequest, ErrUnsupportedLang) or the caller gave up
// while queued; every other failure is reported inside the result.
func (d *Dispatcher) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	sum := sha256.Sum256([]byte(req.Code))
	codeHash := hex.EncodeToString(sum[:])

	logger := log.With().
		Str("exec_id", execID).
		Str("language", req.Language).
		Str("code_hash", codeHash[:16]).
		Logger()

	if err := ValidateRequest(req, d.runtimes); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	rt, _ := d.runtimes.Get(req.Language)

	ctx, span := d.startSpan(ctx, execID, req.Language, codeHash)

	if d.metrics != nil {
		d.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	if verdict := d.policy.Check(req.Code, req.Language); verdict.Blocked {
		logger.Warn().Err(ErrPolicyViolation).Str("pattern", verdict.Pattern).Msg("execution blocked by policy")
		if d.metrics != nil {
			d.metrics.RecordPolicyBlock(req.Language)
			d.metrics.RecordExecution(req.Language, StatusError, 0)
		}
		res := &ExecutionResult{
			Status:        StatusError,
			Error:         verdict.Reason,
			Language:      rt.Name(),
			ID:            execID,
			CodeHash:      codeHash,
			PolicyBlocked: true,
		}
		d.endSpan(span, res, ErrPolicyViolation)
		return res, nil
	}

	d.detect(req.Language, req.Code, logger)

	if !rt.Executes() {
		res := &ExecutionResult{
			Status:   StatusSuccess,
			Output:   req.Code,
			Language: rt.Name(),
			ID:       execID,
			CodeHash: codeHash,
		}
		if d.metrics != nil {
			d.metrics.RecordExecution(req.Language, res.Status, 0)
		}
		d.endSpan(span, res, nil)
		return res, nil
	}

	provider := d.providers[rt.Name()]

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		err := &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
		d.endSpan(span, nil, err)
		return nil, err
	}

	logger.Info().Str("provider", provider.Name()).Msg("execution started")
	if d.metrics != nil {
		d.metrics.ActiveExecutions.Inc()
		d.metrics.RecordUnit(provider.Name(), "created")
	}

	start := time.Now()
	out := enforce(ctx, provider, RunRequest{
		ExecID:  execID,
		Code:    req.Code,
		Runtime: rt,
		Limits:  d.limits,
	}, d.grace, logger)
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.ActiveExecutions.Dec()
		d.metrics.RecordUnit(provider.Name(), "destroyed")
	}

	res := Normalize(out, rt, elapsed, d.limits)
	res.ID = execID
	res.CodeHash = codeHash
	res.Provider = provider.Name()

	d.record(res, out, elapsed, logger)
	d.endSpan(span, &res, out.Err)
	return &res, nil
}

func (d *Dispatcher) startSpan(ctx context.Context, execID, language, codeHash string) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return d.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(language),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
}

func (d *Dispatcher) endSpan(span trace.Span, res *ExecutionResult, err error) {
	if d.tracer == nil {
		return
	}
	status := StatusError
	if res != nil {
		status = res.Status
		span.SetAttributes(
			monitor.AttrProvider.String(res.Provider),
			monitor.AttrDurationMS.Int64(int64(res.ExecutionTime*1000)),
		)
	}
	monitor.EndSpan(span, status, err)
}

func (d *Dispatcher) detect(language, code string, logger zerolog.Logger) {
	if d.detector == nil {
		return
	}
	for _, det := range d.detector.AnalyzeCode(language, code) {
		logger.Warn().
			Str("pattern", det.Pattern).
			Str("severity", det.Severity).
			Int("line", det.Line).
			Msg("suspicious pattern in submitted code")
		if d.metrics != nil {
			d.metrics.RecordSecurityEvent(det.Pattern)
		}
	}
}

func (d *Dispatcher) record(res ExecutionResult, out Outcome, elapsed time.Duration, logger zerolog.Logger) {
	var event *zerolog.Event
	switch {
	case IsTimeout(out.Err):
		event = logger.Warn()
	case out.Err != nil:
		event = logger.Error()
	default:
		event = logger.Info()
	}
	event.Err(out.Err).
		Str("provider", res.Provider).
		Str("status", res.Status).
		Int("exit_code", out.ExitCode).
		Dur("duration", elapsed).
		Msg("execution completed")

	if d.detector != nil {
		for _, det := range d.detector.AnalyzeOutput(res.Output) {
			logger.Warn().Str("pattern", det.Pattern).Str("severity", det.Severity).Msg("suspicious content in output")
			if d.metrics != nil {
				d.metrics.RecordSecurityEvent(det.Pattern)
			}
		}
	}

	if d.metrics == nil {
		return
	}
	d.metrics.RecordExecution(res.Language, res.Status, elapsed.Seconds())
	d.metrics.OutputSizeBytes.Observe(float64(len(res.Output) + len(res.Error)))
	switch {
	case IsTimeout(out.Err):
		d.metrics.RecordTimeout(res.Language)
	case out.Err != nil:
		d.metrics.RecordInfraError(res.Provider)
	}
}

// Health reports the first unhealthy provider runtime, if any.
func (d *Dispatcher) Health(ctx context.Context) error {
	var errs []error
	for _, p := range d.uniqueProviders() {
		hc, ok := p.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.Healthy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every provider once, even when several languages share one.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, p := range d.uniqueProviders() {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s provider: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) uniqueProviders() []Provider {
	seen := make(map[Provider]bool, len(d.providers))
	var out []Provider
	for _, lang := range d.runtimes.Languages() {
		p, ok := d.providers[lang]
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
