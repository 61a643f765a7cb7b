package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultAuditBuffer = 10000
	auditMaxRetries    = 3
	auditWriteTimeout  = 5 * time.Second
)

// ExecutionLogger persists one execution record.
type ExecutionLogger interface {
	LogExecution(ctx context.Context, exec *Execution) error
}

// AuditWriter persists records off the request path. Log never blocks: when
// the buffer is full the record is dropped with a warning.
type AuditWriter struct {
	store   ExecutionLogger
	ch      chan *Execution
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	backoff time.Duration
}

func NewAuditWriter(store ExecutionLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = defaultAuditBuffer
	}
	return &AuditWriter{
		store:   store,
		ch:      make(chan *Execution, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *AuditWriter) Log(exec *Execution) {
	select {
	case w.ch <- exec:
	default:
		log.Warn().Str("exec_id", exec.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer and drains buffered records, giving up after timeout.
// It is safe to call more than once.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.writeWithRetry(exec)
		case <-w.done:
			for {
				select {
				case exec := <-w.ch:
					w.writeWithRetry(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(exec *Execution) {
	backoff := w.backoff
	for attempt := 0; attempt <= auditMaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err := w.store.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			return
		}

		if attempt == auditMaxRetries {
			log.Error().
				Err(err).
				Str("exec_id", exec.ID).
				Msg("audit write failed permanently after retries")
			return
		}

		log.Warn().
			Err(err).
			Str("exec_id", exec.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("audit write failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
	}
}
