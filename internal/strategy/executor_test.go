package strategy

import (
	"errors"
	"testing"

	"dynami/internal/asset"
	"dynami/internal/bus"
	"dynami/internal/engine"
	"dynami/internal/orders"
	"dynami/internal/portfolio"
	"dynami/internal/schema"
)

type scriptedStage struct {
	setups    int
	processed []schema.Event
	onProcess func(ctx Context, ev schema.Event)
}

func (s *scriptedStage) Setup(ctx Context) { s.setups++ }

func (s *scriptedStage) Process(ctx Context, ev schema.Event) {
	s.processed = append(s.processed, ev)
	if s.onProcess != nil {
		s.onProcess(ctx, ev)
	}
}

type filteredStage struct {
	scriptedStage
	events  schema.EventType
	symbols []string
}

func (s *filteredStage) EventFilter() schema.EventType { return s.events }
func (s *filteredStage) SymbolFilter() []string        { return s.symbols }

type testStrategy struct {
	start    Stage
	started  int
	finished int
	params   map[string]any
	paramErr error
}

func (s *testStrategy) Name() string             { return "scripted" }
func (s *testStrategy) StartsWith() Stage        { return s.start }
func (s *testStrategy) OnStrategyStart(Context)  { s.started++ }
func (s *testStrategy) OnStrategyFinish(Context) { s.finished++ }

func (s *testStrategy) ApplyParams(params map[string]any) error {
	s.params = params
	return s.paramErr
}

func newTestExecutor(t *testing.T, strat Strategy) (*Executor, bus.Bus) {
	t.Helper()
	b, err := bus.New(bus.Config{ForceSync: true}, nil)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(b.Dispose)

	reg := NewRegistry()
	if err := reg.Register("scripted", func() Strategy { return strat }); err != nil {
		t.Fatalf("register: %v", err)
	}
	assets := asset.New(b)
	x := NewExecutor(b, reg, orders.New(b, assets, nil), assets, portfolio.New(b))
	return x, b
}

func load(t *testing.T, x *Executor) {
	t.Helper()
	if err := x.Load(engine.StrategyDescriptor{Name: "scripted"}); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func tick(b bus.Bus, symbol string, types schema.EventType) {
	b.PublishAsync(schema.TopicStrategyEvent, bus.Message{Payload: schema.Event{
		Symbol: symbol,
		Time:   1,
		Types:  types,
	}})
}

func TestDispatchAndFilters(t *testing.T) {
	stage := &filteredStage{events: schema.OnBarClose, symbols: []string{"FTSEMIB"}}
	strat := &testStrategy{start: stage}
	x, b := newTestExecutor(t, strat)
	load(t, x)

	if strat.started != 1 || stage.setups != 1 {
		t.Fatalf("started=%d setups=%d", strat.started, stage.setups)
	}

	tick(b, "FTSEMIB", schema.OnTick)                   // wrong event type
	tick(b, "DAX", schema.OnBarClose)                   // wrong symbol
	tick(b, "FTSEMIB", schema.OnTick|schema.OnBarClose) // accepted

	if len(stage.processed) != 1 {
		t.Fatalf("processed %d events", len(stage.processed))
	}
	if stage.processed[0].Symbol != "FTSEMIB" {
		t.Fatalf("processed event: %+v", stage.processed[0])
	}
}

func TestStaleBacklogSkipped(t *testing.T) {
	stage := &scriptedStage{}
	strat := &testStrategy{start: stage}
	x, _ := newTestExecutor(t, strat)
	load(t, x)

	x.onEvent(false, bus.Message{Payload: schema.Event{Symbol: "FTSEMIB", Types: schema.OnTick}})
	if len(stage.processed) != 0 {
		t.Fatalf("stale event dispatched")
	}
	x.onEvent(true, bus.Message{Payload: schema.Event{Symbol: "FTSEMIB", Types: schema.OnTick}})
	if len(stage.processed) != 1 {
		t.Fatalf("fresh event not dispatched")
	}
}

func TestGotoNextStage(t *testing.T) {
	second := &scriptedStage{}
	first := &scriptedStage{}
	first.onProcess = func(ctx Context, ev schema.Event) {
		ctx.GotoNextStage(second)
	}
	strat := &testStrategy{start: first}
	x, b := newTestExecutor(t, strat)
	load(t, x)

	tick(b, "FTSEMIB", schema.OnTick)
	if len(first.processed) != 1 || len(second.processed) != 0 {
		t.Fatalf("first=%d second=%d after transition event", len(first.processed), len(second.processed))
	}
	if second.setups != 1 {
		t.Fatalf("next stage setup not run")
	}

	tick(b, "FTSEMIB", schema.OnTick)
	if len(first.processed) != 1 || len(second.processed) != 1 {
		t.Fatalf("first=%d second=%d after next event", len(first.processed), len(second.processed))
	}
}

func TestGotoNextStageNowRedispatches(t *testing.T) {
	second := &scriptedStage{}
	first := &scriptedStage{}
	first.onProcess = func(ctx Context, ev schema.Event) {
		ctx.GotoNextStageNow(second)
	}
	strat := &testStrategy{start: first}
	x, b := newTestExecutor(t, strat)
	load(t, x)

	tick(b, "FTSEMIB", schema.OnBarOpen)
	if len(second.processed) != 1 {
		t.Fatalf("second stage did not receive the re-dispatched event")
	}
	if second.processed[0].Types != schema.OnBarOpen {
		t.Fatalf("re-dispatched event: %+v", second.processed[0])
	}
}

func TestGotoEndFinishesStrategy(t *testing.T) {
	stage := &scriptedStage{}
	stage.onProcess = func(ctx Context, ev schema.Event) {
		ctx.GotoEnd()
	}
	strat := &testStrategy{start: stage}
	x, b := newTestExecutor(t, strat)
	load(t, x)

	tick(b, "FTSEMIB", schema.OnTick)
	if strat.finished != 1 {
		t.Fatalf("finish callbacks: %d", strat.finished)
	}
	if !x.Finished() {
		t.Fatalf("executor not finished")
	}

	tick(b, "FTSEMIB", schema.OnTick)
	if len(stage.processed) != 1 {
		t.Fatalf("event dispatched after end: %d", len(stage.processed))
	}
}

func TestNoMoreDataEndsStrategy(t *testing.T) {
	stage := &scriptedStage{}
	strat := &testStrategy{start: stage}
	x, b := newTestExecutor(t, strat)
	load(t, x)

	tick(b, "FTSEMIB", schema.NoMoreData)
	if strat.finished != 1 || !x.Finished() {
		t.Fatalf("strategy not finished on data end")
	}
}

func TestStagePanicReported(t *testing.T) {
	var panics int
	stage := &scriptedStage{}
	stage.onProcess = func(ctx Context, ev schema.Event) {
		if len(stage.processed) == 1 {
			panics++
			panic("bad indicator")
		}
	}
	strat := &testStrategy{start: stage}
	x, b := newTestExecutor(t, strat)

	var reported []schema.Error
	b.Subscribe(schema.TopicStrategyErrors, func(last bool, msg bus.Message) {
		reported = append(reported, msg.Payload.(schema.Error))
	})
	load(t, x)

	tick(b, "FTSEMIB", schema.OnTick)
	tick(b, "FTSEMIB", schema.OnTick)

	if len(stage.processed) != 2 {
		t.Fatalf("dispatch stopped after panic: %d", len(stage.processed))
	}
	if len(reported) != 1 || reported[0].Origin != "scripted" {
		t.Fatalf("error reports: %+v", reported)
	}
	if x.Finished() {
		t.Fatalf("panic must not end the strategy")
	}
}

func TestLoadUnknownStrategy(t *testing.T) {
	x, _ := newTestExecutor(t, &testStrategy{start: &scriptedStage{}})
	if err := x.Load(engine.StrategyDescriptor{Name: "missing"}); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestLoadAppliesParams(t *testing.T) {
	strat := &testStrategy{start: &scriptedStage{}}
	x, _ := newTestExecutor(t, strat)
	if err := x.Load(engine.StrategyDescriptor{Name: "scripted", Params: map[string]any{"period": 20}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if strat.params["period"] != 20 {
		t.Fatalf("params not applied: %v", strat.params)
	}

	strat2 := &testStrategy{start: &scriptedStage{}, paramErr: errors.New("bad period")}
	x2, _ := newTestExecutor(t, strat2)
	if err := x2.Load(engine.StrategyDescriptor{Name: "scripted", Params: map[string]any{"period": -1}}); err == nil {
		t.Fatalf("load should surface param errors")
	}
}

func TestUnloadFinishesOnce(t *testing.T) {
	strat := &testStrategy{start: &scriptedStage{}}
	x, _ := newTestExecutor(t, strat)
	load(t, x)

	x.Unload()
	x.Unload()
	if strat.finished != 1 {
		t.Fatalf("finish callbacks: %d", strat.finished)
	}
}
