package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/metrics"
	"sort"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// restrictedBuiltins is the complete set of callables visible to code run by
// the RestrictedProvider.
var restrictedBuiltins = []string{
	"print", "len", "range", "str", "int", "float",
	"list", "dict", "tuple", "set",
	"abs", "max", "min", "sum", "round",
	"sorted", "enumerate", "zip",
}

// restrictedFileOptions enables the Python statements the dialect otherwise
// rejects. Recursion stays disabled: unbounded recursion in an in-process
// interpreter would exhaust the host goroutine stack.
var restrictedFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// RestrictedProvider evaluates Python-dialect code in-process with a
// whitelisted builtin namespace and no filesystem, network, or import
// machinery. Cancellation is cooperative: the interpreter checks for it
// between steps, so the wall-clock limit is enforced without a child
// process. Memory is bounded by sampling heap growth, so a single
// allocation can overshoot before the run is stopped.
type RestrictedProvider struct {
	predeclared starlark.StringDict
	active      atomic.Int64
}

const (
	heapPollInterval = 25 * time.Millisecond
	heapMetric       = "/memory/classes/heap/objects:bytes"
)

func NewRestrictedProvider() *RestrictedProvider {
	return &RestrictedProvider{predeclared: restrictedNamespace()}
}

func (p *RestrictedProvider) Name() string { return "restricted" }

func (p *RestrictedProvider) Close() error { return nil }

func (p *RestrictedProvider) Run(ctx context.Context, req RunRequest) Outcome {
	stdout := newCappedBuffer(req.Limits.MaxOutputBytes)

	thread := &starlark.Thread{
		Name: "exec-" + req.ExecID,
		Print: func(_ *starlark.Thread, msg string) {
			_, _ = stdout.WriteString(msg + "\n")
		},
	}
	if req.Limits.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(req.Limits.MaxSteps)
	}

	stop := context.AfterFunc(ctx, func() { thread.Cancel("timeout") })
	defer stop()

	p.active.Add(1)
	defer p.active.Add(-1)
	stopWatch := p.watchHeap(thread, req.Limits.MemoryBytes)

	_, err := starlark.ExecFileOptions(restrictedFileOptions, thread, "<stdin>", req.Code, p.predeclared)
	overLimit := stopWatch()
	if ctx.Err() != nil {
		return timeoutOutcome(req.ExecID, stdout.String(), "")
	}
	if overLimit {
		log.Warn().Str("exec_id", req.ExecID).Int64("limit_bytes", req.Limits.MemoryBytes).Msg("restricted run exceeded memory limit")
		msg := fmt.Sprintf("Process killed: out of memory (limit %s)", units.BytesSize(float64(req.Limits.MemoryBytes)))
		return Outcome{Stdout: stdout.String(), Stderr: msg, ExitCode: 137}
	}
	if err == nil {
		return Outcome{Stdout: stdout.String()}
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return Outcome{Stdout: stdout.String(), Stderr: "Error: " + evalErr.Msg, ExitCode: 1}
	}

	// Scanner, parser, and resolver failures all happen before any
	// statement runs.
	log.Debug().Str("exec_id", req.ExecID).Err(err).Msg("restricted code rejected at compile time")
	return Outcome{Stderr: "Syntax Error: " + err.Error(), ExitCode: 1}
}

// watchHeap cancels thread once heap growth since the run began exceeds the
// memory limit of every restricted run in flight. The heap is shared, so the
// budget scales with concurrency. The returned func stops the watch and
// reports whether the limit was hit.
func (p *RestrictedProvider) watchHeap(thread *starlark.Thread, limit int64) func() bool {
	if limit <= 0 {
		return func() bool { return false }
	}
	var exceeded atomic.Bool
	done := make(chan struct{})
	base := heapBytes()

	go func() {
		ticker := time.NewTicker(heapPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				budget := uint64(limit) * uint64(max(p.active.Load(), 1))
				if cur := heapBytes(); cur > base && cur-base > budget {
					exceeded.Store(true)
					thread.Cancel("memory limit exceeded")
					return
				}
			}
		}
	}()

	return func() bool {
		close(done)
		return exceeded.Load()
	}
}

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// restrictedNamespace shadows every universe builtin that is not whitelisted
// so the name resolves but raises the same error an undefined name would.
func restrictedNamespace() starlark.StringDict {
	allowed := make(map[string]bool, len(restrictedBuiltins))
	for _, name := range restrictedBuiltins {
		allowed[name] = true
	}

	ns := starlark.StringDict{
		"sum":   starlark.NewBuiltin("sum", builtinSum),
		"round": starlark.NewBuiltin("round", builtinRound),
	}
	for name, v := range starlark.Universe {
		switch {
		case name == "None" || name == "True" || name == "False":
			continue
		case allowed[name]:
			if _, custom := ns[name]; !custom {
				ns[name] = v
			}
		default:
			ns[name] = undefinedBuiltin(name)
		}
	}
	return ns
}

func undefinedBuiltin(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return nil, fmt.Errorf("name '%s' is not defined", name)
	})
}

// builtinSum implements sum(iterable, start=0).
func builtinSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	acc := start
	var x starlark.Value
	for iter.Next(&x) {
		next, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, fmt.Errorf("sum: %w", err)
		}
		acc = next
	}
	return acc, nil
}

// builtinRound implements round(number, ndigits=None) with round-half-to-even.
func builtinRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var number starlark.Value
	var ndigits starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &number, "ndigits?", &ndigits); err != nil {
		return nil, err
	}

	switch x := number.(type) {
	case starlark.Int:
		return x, nil
	case starlark.Float:
		if ndigits == starlark.None {
			return starlark.NumberToInt(starlark.Float(math.RoundToEven(float64(x))))
		}
		n, err := starlark.AsInt32(ndigits)
		if err != nil {
			return nil, fmt.Errorf("round: ndigits: %w", err)
		}
		scale := math.Pow(10, float64(n))
		return starlark.Float(math.RoundToEven(float64(x)*scale) / scale), nil
	default:
		return nil, fmt.Errorf("round: type %s doesn't define __round__", number.Type())
	}
}

// RestrictedBuiltins lists the names code can call in restricted mode.
func RestrictedBuiltins() []string {
	out := append([]string(nil), restrictedBuiltins...)
	sort.Strings(out)
	return out
}
