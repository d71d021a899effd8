package workqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/observability"
)

// MemoryQueue runs stage chains on lazily created per-lane workers. Stages
// must be registered by name before chains referencing them are submitted;
// the name indirection is what allows journaled chains to be re-hydrated
// after a restart.
type MemoryQueue struct {
	cfg     Config
	journal Journal
	logger  observability.Logger

	mu     sync.Mutex
	stages map[string]StageFunc
	lanes  map[string]*lane
	chains map[string]*chainTask
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

type lane struct {
	key   string
	tasks chan *chainTask
}

type chainTask struct {
	id         string
	lane       string
	stages     []string
	startIndex int
	input      json.RawMessage
	cancelled  atomic.Bool
}

// Option configures a MemoryQueue.
type Option func(*MemoryQueue)

// WithJournal persists chain progress through the provided journal.
func WithJournal(journal Journal) Option {
	return func(q *MemoryQueue) {
		if journal != nil {
			q.journal = journal
		}
	}
}

// WithLogger overrides the queue's logger.
func WithLogger(logger observability.Logger) Option {
	return func(q *MemoryQueue) {
		q.logger = observability.OrNop(logger)
	}
}

// NewMemoryQueue creates a queue with the provided configuration.
func NewMemoryQueue(cfg Config, opts ...Option) *MemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	queue := new(MemoryQueue)
	queue.cfg = cfg.normalize()
	queue.journal = NewMemoryJournal()
	queue.logger = observability.NopLogger{}
	queue.stages = make(map[string]StageFunc)
	queue.lanes = make(map[string]*lane)
	queue.chains = make(map[string]*chainTask)
	queue.ctx = ctx
	queue.cancel = cancel
	for _, opt := range opts {
		if opt != nil {
			opt(queue)
		}
	}
	return queue
}

// RegisterStage binds a stage name to its implementation.
func (q *MemoryQueue) RegisterStage(name string, fn StageFunc) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || fn == nil {
		return errs.New("workqueue", errs.CodeInvalidEvent, errs.WithMessage("stage name and func required"))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.stages[trimmed]; exists {
		return errs.New("workqueue", errs.CodeConflict, errs.WithMessage("stage already registered: "+trimmed))
	}
	q.stages[trimmed] = fn
	return nil
}

// SubmitChain journals and enqueues a chain on the given lane.
func (q *MemoryQueue) SubmitChain(ctx context.Context, laneKey string, stages []string, input json.RawMessage) (Handle, error) {
	laneKey = strings.TrimSpace(laneKey)
	if laneKey == "" {
		return Handle{}, errs.New("workqueue", errs.CodeInvalidEvent, errs.WithMessage("lane key required"))
	}
	if len(stages) == 0 {
		return Handle{}, errs.New("workqueue", errs.CodeInvalidEvent, errs.WithMessage("at least one stage required"))
	}
	task := &chainTask{
		id:     uuid.NewString(),
		lane:   laneKey,
		stages: append([]string(nil), stages...),
		input:  append(json.RawMessage(nil), input...),
	}
	if err := q.validateStages(task.stages); err != nil {
		return Handle{}, err
	}
	if err := q.journal.Append(safeContext(ctx), ChainRecord{
		ID:     task.id,
		Lane:   laneKey,
		Stages: task.stages,
		Input:  task.input,
	}); err != nil {
		return Handle{}, fmt.Errorf("journal chain: %w", err)
	}
	if err := q.enqueue(task); err != nil {
		_ = q.journal.MarkDone(safeContext(ctx), task.id, OutcomeStopped, err.Error())
		return Handle{}, err
	}
	return Handle{ChainID: task.id, Lane: laneKey}, nil
}

// Cancel requests best-effort cancellation; a stage already running finishes,
// and the remaining stages are skipped. It reports whether the chain was
// still known to the queue, so the caller can take over the bookkeeping the
// skipped stages will never perform.
func (q *MemoryQueue) Cancel(handle Handle) bool {
	q.mu.Lock()
	task, exists := q.chains[handle.ChainID]
	q.mu.Unlock()
	if exists {
		task.cancelled.Store(true)
	}
	return exists
}

// Recover resubmits journaled pending chains, resuming each at its first
// unfinished stage. Call after all stages are registered.
func (q *MemoryQueue) Recover(ctx context.Context) (int, error) {
	records, err := q.journal.ListPending(safeContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("list pending chains: %w", err)
	}
	recovered := 0
	for _, record := range records {
		task := &chainTask{
			id:         record.ID,
			lane:       record.Lane,
			stages:     record.Stages,
			startIndex: record.StageIndex,
			input:      record.Input,
		}
		if err := q.validateStages(task.stages); err != nil {
			q.logger.Error("dropping unrecoverable chain",
				observability.F("chain_id", record.ID), observability.F("error", err.Error()))
			_ = q.journal.MarkDone(safeContext(ctx), record.ID, OutcomeStopped, err.Error())
			continue
		}
		if err := q.enqueue(task); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Close stops lane workers and waits for in-flight stages to finish.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *MemoryQueue) validateStages(stages []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, name := range stages {
		if _, exists := q.stages[name]; !exists {
			return errs.New("workqueue", errs.CodeInvalidEvent, errs.WithMessage("unknown stage: "+name))
		}
	}
	return nil
}

func (q *MemoryQueue) enqueue(task *chainTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errs.New("workqueue", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	}
	ln, exists := q.lanes[task.lane]
	if !exists {
		ln = &lane{key: task.lane, tasks: make(chan *chainTask, q.cfg.LaneDepth)}
		q.lanes[task.lane] = ln
		q.wg.Go(func() { q.runLane(ln) })
	}
	select {
	case ln.tasks <- task:
		q.chains[task.id] = task
		return nil
	default:
		return errs.New("workqueue", errs.CodeUnavailable, errs.WithMessage("lane saturated: "+task.lane))
	}
}

// runLane drains one lane serially so per-room submission order is preserved.
// Idle lanes retire themselves after IdleLaneTTL; the emptiness check and map
// removal happen under the queue mutex, the same lock enqueue holds, so no
// chain can slip into a retiring lane.
func (q *MemoryQueue) runLane(ln *lane) {
	idle := time.NewTimer(q.cfg.IdleLaneTTL)
	defer idle.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case task := <-ln.tasks:
			q.runChain(task)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.cfg.IdleLaneTTL)
		case <-idle.C:
			q.mu.Lock()
			if len(ln.tasks) == 0 {
				delete(q.lanes, ln.key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			idle.Reset(q.cfg.IdleLaneTTL)
		}
	}
}

func (q *MemoryQueue) runChain(task *chainTask) {
	defer q.forget(task.id)
	input := task.input
	for idx := task.startIndex; idx < len(task.stages); idx++ {
		if task.cancelled.Load() {
			_ = q.journal.MarkDone(q.ctx, task.id, OutcomeCancelled, "")
			return
		}
		name := task.stages[idx]
		q.mu.Lock()
		fn := q.stages[name]
		q.mu.Unlock()
		result, ok := q.runStage(task, name, fn, input)
		if !ok {
			return
		}
		if result.Disposition == Stop {
			_ = q.journal.MarkDone(q.ctx, task.id, OutcomeStopped, result.Reason)
			return
		}
		input = result.Output
		_ = q.journal.MarkStage(q.ctx, task.id, idx+1, input)
	}
	_ = q.journal.MarkDone(q.ctx, task.id, OutcomeCompleted, "")
}

// runStage executes one stage with exponential-backoff retries. The second
// return is false when the queue shut down or the chain was cancelled
// mid-retry.
func (q *MemoryQueue) runStage(task *chainTask, name string, fn StageFunc, input json.RawMessage) (Result, bool) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = q.cfg.InitialBackoff
	backoffCfg.MaxInterval = q.cfg.MaxBackoff
	for {
		result := q.invoke(task, name, fn, input)
		if result.Disposition != Retry {
			return result, true
		}
		q.logger.Debug("stage retry scheduled",
			observability.F("chain_id", task.id),
			observability.F("stage", name),
			observability.F("reason", result.Reason))
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = q.cfg.MaxBackoff
		}
		select {
		case <-q.ctx.Done():
			return Result{}, false
		case <-time.After(sleep):
		}
		if task.cancelled.Load() {
			_ = q.journal.MarkDone(q.ctx, task.id, OutcomeCancelled, "")
			return Result{}, false
		}
	}
}

func (q *MemoryQueue) invoke(task *chainTask, name string, fn StageFunc, input json.RawMessage) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("stage panicked",
				observability.F("chain_id", task.id),
				observability.F("stage", name),
				observability.F("panic", fmt.Sprint(r)))
			result = StopChain(fmt.Sprintf("stage %s panicked: %v", name, r))
		}
	}()
	return fn(q.ctx, input)
}

func (q *MemoryQueue) forget(chainID string) {
	q.mu.Lock()
	delete(q.chains, chainID)
	q.mu.Unlock()
}

func safeContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

var _ Queue = (*MemoryQueue)(nil)
