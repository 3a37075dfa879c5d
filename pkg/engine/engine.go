package engine

import (
	"context"
	"errors"
	"fmt"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/common_errors"
	"tumblestream/pkg/emitter"
	"tumblestream/pkg/processor"
	"tumblestream/pkg/registry"
	"tumblestream/pkg/stats"
	"tumblestream/pkg/store"
	"tumblestream/pkg/utils/syncutils"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultInboxCap = 256

type envelope struct {
	source string
	msg    commtypes.Message
}

// Engine owns the continuous queries: registration with cycle
// detection, the query state machine, and event routing through each
// query's pipeline. Derived outputs are registered back into the
// registry and fed to downstream queries in the same call, so a chain
// of queries observes one source event as one synchronous cascade.
// TableFactory builds the materialized output table for one query.
// The default keeps tables in memory; a redis-backed factory makes
// pull-query state survive the process.
type TableFactory func(name string) store.CoreKeyValueStore[string, commtypes.ValueTimestamp]

func defaultTableFactory(name string) store.CoreKeyValueStore[string, commtypes.ValueTimestamp] {
	return store.NewInMemoryBTreeKeyValueStore[string, commtypes.ValueTimestamp](name, store.StringLessFunc)
}

type Engine struct {
	mux      syncutils.RWMutex
	reg      *registry.Registry
	em       *emitter.ChangeEmitter
	queries  map[string]*Query
	bySource map[string][]*Query
	newTable TableFactory
	inboxes  []chan envelope
	closed   syncutils.AtomicBool
}

func NewEngine(reg *registry.Registry, em *emitter.ChangeEmitter) *Engine {
	return &Engine{
		reg:      reg,
		em:       em,
		queries:  make(map[string]*Query),
		bySource: make(map[string][]*Query),
		newTable: defaultTableFactory,
	}
}

// WithTableFactory swaps the output table backing. Call before any
// query is registered.
func (e *Engine) WithTableFactory(f TableFactory) *Engine {
	e.newTable = f
	return e
}

// Register validates and installs a query in REGISTERED state. On any
// error the engine, registry and emitter are left exactly as they
// were.
func (e *Engine) Register(spec QuerySpec) (*Query, error) {
	if e.closed.Get() {
		return nil, common_errors.ErrEngineClosed
	}
	e.mux.Lock()
	defer e.mux.Unlock()
	if _, ok := e.queries[spec.Name]; ok {
		return nil, fmt.Errorf("%w: query %s", common_errors.ErrStreamExists, spec.Name)
	}
	srcHandle, err := e.reg.Lookup(spec.Source)
	if err != nil {
		return nil, err
	}
	if e.wouldCycle(spec.Source, spec.Output) {
		return nil, fmt.Errorf("%w: %s -> %s", common_errors.ErrCyclicDependency, spec.Source, spec.Output)
	}
	q, err := buildQuery(spec, e.newTable)
	if err != nil {
		return nil, err
	}
	if _, err := e.reg.Register(spec.Output, derivedSchema(spec), "", srcHandle.NumPartitions()); err != nil {
		return nil, err
	}
	e.queries[spec.Name] = q
	e.bySource[spec.Source] = append(e.bySource[spec.Source], q)
	e.em.RegisterTable(spec.Output, q)
	log.Info().Str("query", spec.Name).Str("source", spec.Source).
		Str("output", spec.Output).Msg("registered query")
	return q, nil
}

// wouldCycle reports whether adding the edge source -> output closes a
// loop through the existing query graph. Callers hold e.mux.
func (e *Engine) wouldCycle(source, output string) bool {
	if source == output {
		return true
	}
	visited := map[string]bool{output: true}
	frontier := []string{output}
	for len(frontier) > 0 {
		stream := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, q := range e.bySource[stream] {
			next := q.spec.Output
			if next == source {
				return true
			}
			if !visited[next] {
				visited[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

func (e *Engine) Deregister(name string) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	q, ok := e.queries[name]
	if !ok {
		return fmt.Errorf("%w: %s", common_errors.ErrUnknownQuery, name)
	}
	// forced stop; already-stopped is fine
	_ = q.transition(StateStopped)
	delete(e.queries, name)
	remaining := e.bySource[q.spec.Source][:0]
	for _, cand := range e.bySource[q.spec.Source] {
		if cand != q {
			remaining = append(remaining, cand)
		}
	}
	e.bySource[q.spec.Source] = remaining
	e.em.DropTable(q.spec.Output)
	if err := e.reg.Drop(q.spec.Output); err != nil {
		return err
	}
	log.Info().Str("query", name).Msg("deregistered query")
	return nil
}

func (e *Engine) Lookup(name string) (*Query, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	q, ok := e.queries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common_errors.ErrUnknownQuery, name)
	}
	return q, nil
}

func (e *Engine) Start(name string) error  { return e.setState(name, StateRunning) }
func (e *Engine) Pause(name string) error  { return e.setState(name, StatePaused) }
func (e *Engine) Resume(name string) error { return e.setState(name, StateRunning) }
func (e *Engine) Stop(name string) error   { return e.setState(name, StateStopped) }

func (e *Engine) setState(name string, to QueryState) error {
	q, err := e.Lookup(name)
	if err != nil {
		return err
	}
	return q.transition(to)
}

// Process runs one event of the named stream through every running
// query fed by it. A pipeline error fails only that query for this
// event: it is counted, logged and the remaining queries still run.
func (e *Engine) Process(ctx context.Context, source string, msg commtypes.Message) error {
	if e.closed.Get() {
		return common_errors.ErrEngineClosed
	}
	e.mux.RLock()
	qs := make([]*Query, len(e.bySource[source]))
	copy(qs, e.bySource[source])
	e.mux.RUnlock()

	for _, q := range qs {
		if q.State() != StateRunning {
			continue
		}
		if err := e.runQuery(ctx, q, msg); err != nil {
			return err
		}
	}
	return nil
}

// runQuery drives one event through one query under the query's
// pipeline lock. Workers route by the source partition while GroupBy
// re-keys mid-pipeline, so two workers can reach the same query with
// the same grouping key; the lock is what keeps the store's
// read-modify-write and the emit order serial. The derived cascade
// nests downstream locks inside this one; registration rejects cycles,
// so the lock order follows the acyclic query graph.
func (e *Engine) runQuery(ctx context.Context, q *Query, msg commtypes.Message) error {
	q.procMux.Lock()
	defer q.procMux.Unlock()
	recs, err := q.process(ctx, msg)
	if err != nil {
		q.procErrors.Tick(1)
		log.Error().Err(err).Str("query", q.spec.Name).
			Uint64("offset", msg.Offset).Msg("query pipeline failed for event")
		return nil
	}
	q.processed.Tick(1)
	for _, rec := range recs {
		if q.spec.EmitMode == EmitChanges {
			e.em.Emit(q.spec.Output, rec)
		}
		if rec.NewVal == nil {
			continue
		}
		derived := commtypes.Message{
			Key:       rec.Key,
			Value:     rec.NewVal,
			Timestamp: rec.Timestamp,
			Offset:    rec.Offset,
			Partition: msg.Partition,
		}
		if err := e.Process(ctx, q.spec.Output, derived); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the partition workers and blocks until the context is
// cancelled or the engine is closed. Submit routes every message for
// one source partition to the same worker, preserving source order per
// partition; per-query state is serialized by each query's own lock.
func (e *Engine) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	e.mux.Lock()
	e.inboxes = make([]chan envelope, workers)
	for i := range e.inboxes {
		e.inboxes[i] = make(chan envelope, defaultInboxCap)
	}
	inboxes := e.inboxes
	e.mux.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, inbox := range inboxes {
		inbox := inbox
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case env, ok := <-inbox:
					if !ok {
						return nil
					}
					if err := e.Process(ctx, env.source, env.msg); err != nil {
						if errors.Is(err, common_errors.ErrEngineClosed) {
							return nil
						}
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

// Submit enqueues one event for its partition worker. Blocks when the
// worker's inbox is full; source backpressure is how the engine slows
// ingestion instead of dropping events.
func (e *Engine) Submit(source string, msg commtypes.Message) error {
	if e.closed.Get() {
		return common_errors.ErrEngineClosed
	}
	e.mux.RLock()
	inboxes := e.inboxes
	e.mux.RUnlock()
	if len(inboxes) == 0 {
		return fmt.Errorf("engine is not running")
	}
	inboxes[int(msg.Partition)%len(inboxes)] <- envelope{source: source, msg: msg}
	return nil
}

func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.mux.Lock()
	for _, inbox := range e.inboxes {
		close(inbox)
	}
	e.inboxes = nil
	e.mux.Unlock()
}

// buildQuery compiles the spec into a pipeline. Everything that can
// fail (expressions, window sanity) fails here, at registration, never
// per event.
func buildQuery(spec QuerySpec, newTable TableFactory) (*Query, error) {
	if spec.Name == "" || spec.Output == "" {
		return nil, fmt.Errorf("query needs a name and an output stream")
	}
	if len(spec.Aggregations) == 0 {
		return nil, fmt.Errorf("query %s declares no aggregations", spec.Name)
	}
	if spec.TopN > 0 && spec.RankBy == "" {
		return nil, fmt.Errorf("query %s: top-n needs a ranking column", spec.Name)
	}

	var pipeline []processor.Processor
	if spec.Filter != "" {
		pred, err := processor.NewExprPredicate(spec.Filter)
		if err != nil {
			return nil, err
		}
		pipeline = append(pipeline, processor.NewStreamFilterProcessor(spec.Name+"-filter", pred))
	}
	if spec.GroupBy != "" {
		pipeline = append(pipeline, processor.NewStreamSelectKeyProcessor(
			spec.Name+"-select-key", processor.FieldKeySelector(spec.GroupBy)))
	}

	init := processor.MultiAggInitializer(spec.Aggregations)
	agg := processor.MultiAggregator(spec.Aggregations)
	var windowProc *processor.StreamWindowAggregateProcessor
	if spec.Window != nil {
		retention := spec.RetentionMs
		if minRetention := spec.Window.MaxSize() + spec.Window.GracePeriodMs(); retention < minRetention {
			retention = minRetention
		}
		winStore := store.NewInMemorySkipMapWindowStore[string, commtypes.ValueTimestamp](
			spec.Name+"-window-store", retention, spec.Window.MaxSize(), store.CompareString)
		windowProc = processor.NewStreamWindowAggregateProcessor(
			spec.Name+"-window-agg", winStore, init, agg, spec.Window, retention)
		pipeline = append(pipeline, windowProc)
	} else {
		aggStore := store.NewInMemoryBTreeKeyValueStore[string, commtypes.ValueTimestamp](
			spec.Name+"-agg-store", store.StringLessFunc)
		pipeline = append(pipeline, processor.NewStreamAggregateProcessor(
			spec.Name+"-agg", aggStore, init, agg))
	}

	if spec.Having != "" {
		pred, err := processor.NewExprPredicate(spec.Having)
		if err != nil {
			return nil, err
		}
		pipeline = append(pipeline, processor.NewTableFilterProcessor(spec.Name+"-having", pred))
	}

	table := newTable(spec.Name + "-table")
	materialize := true
	if spec.TopN > 0 {
		// the ranking stage maintains the output table itself
		pipeline = append(pipeline, processor.NewTableTopNProcessor(
			spec.Name+"-top-n", spec.TopN, spec.RankBy, table))
		materialize = false
	}

	return &Query{
		spec:        spec,
		pipeline:    pipeline,
		windowProc:  windowProc,
		table:       table,
		state:       uint32(StateRegistered),
		materialize: materialize,
		processed:   stats.NewAtomicCounter(spec.Name + "_processed"),
		procErrors:  stats.NewAtomicCounter(spec.Name + "_errors"),
	}, nil
}

// derivedSchema describes the aggregate rows a query materializes.
func derivedSchema(spec QuerySpec) *registry.Schema {
	fields := make([]registry.Field, 0, len(spec.Aggregations))
	for _, a := range spec.Aggregations {
		t := registry.TypeFloat64
		if a.Kind == processor.AggCount {
			t = registry.TypeInt64
		}
		fields = append(fields, registry.Field{Name: a.As, Type: t})
	}
	return registry.NewSchema(fields, "")
}
