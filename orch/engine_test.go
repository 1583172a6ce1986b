package orch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orchlab/orchestrate-go/orch/emit"
	"github.com/orchlab/orchestrate-go/orch/store"
)

// scriptedMinions is a MinionClient whose callables sleep and fail according
// to per-function scripts, recording dispatch order.
type scriptedMinions struct {
	sleep map[string]time.Duration
	fail  map[string]bool

	mu    sync.Mutex
	order []string
}

func (f *scriptedMinions) Match(context.Context, string) ([]string, error) {
	return []string{"minion"}, nil
}

func (f *scriptedMinions) ApplyState(ctx context.Context, _ []string, sls string, _ map[string]any) (StateApplyReturn, error) {
	f.record(sls)
	f.pause(ctx, sls)
	ok := !f.fail[sls]
	return StateApplyReturn{
		Ret: map[string]map[string]StateEntry{
			"minion": {"test_|-" + sls: {Result: &ok, Changes: map[string]any{}}},
		},
	}, nil
}

func (f *scriptedMinions) Call(ctx context.Context, _ []string, fun string, _ map[string]any) (CallReturn, error) {
	f.record(fun)
	f.pause(ctx, fun)
	if f.fail[fun] {
		return CallReturn{Ret: map[string]any{"minion": false}}, nil
	}
	return CallReturn{Ret: map[string]any{"minion": true}}, nil
}

func (f *scriptedMinions) record(name string) {
	f.mu.Lock()
	f.order = append(f.order, name)
	f.mu.Unlock()
}

func (f *scriptedMinions) pause(ctx context.Context, name string) {
	if d := f.sleep[name]; d > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
}

func (f *scriptedMinions) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newTestEngine(t *testing.T, wfs []*Workflow, minions *scriptedMinions, opts ...Option) *Engine {
	t.Helper()
	if minions == nil {
		minions = &scriptedMinions{}
	}
	d := NewDispatcher(minions, &fakeMaster{}, fastRetry(1))
	return New(NewMapSource(wfs...), d, opts...)
}

func TestRunSerialDeclarationOrder(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "a", Kind: KindFunction, Target: "*"},
		{Name: "b", Kind: KindFunction, Target: "*"},
		{Name: "c", Kind: KindFunction, Target: "*"},
	})
	minions := &scriptedMinions{}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Failed() {
		t.Fatalf("run failed: retcode %d", job.Retcode)
	}

	got := minions.dispatched()
	want := []string{"a", "b", "c"}
	if len(got) != 3 {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch order %v, want %v", got, want)
			break
		}
	}
	for i, r := range job.Steps {
		if r.RunNum != i {
			t.Errorf("Steps[%d].RunNum = %d, want %d", i, r.RunNum, i)
		}
	}
}

func TestRunRequisiteOrdering(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "last", Kind: KindFunction, Target: "*", Require: []string{"mid"}},
		{Name: "mid", Kind: KindFunction, Target: "*", Require: []string{"first"}},
		{Name: "first", Kind: KindFunction, Target: "*"},
	})
	minions := &scriptedMinions{}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Failed() {
		t.Fatal("run failed")
	}

	got := minions.dispatched()
	want := []string{"first", "mid", "last"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}
}

func TestRunParallelStepsOverlap(t *testing.T) {
	const pause = 60 * time.Millisecond
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "p1", Kind: KindFunction, Target: "*", Parallel: true},
		{Name: "p2", Kind: KindFunction, Target: "*", Parallel: true},
		{Name: "p3", Kind: KindFunction, Target: "*", Parallel: true},
	})
	minions := &scriptedMinions{
		sleep: map[string]time.Duration{"p1": pause, "p2": pause, "p3": pause},
	}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	start := time.Now()
	job, err := eng.Run(context.Background(), "orch")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Failed() {
		t.Fatal("run failed")
	}
	if len(job.Steps) != 3 {
		t.Fatalf("got %d results, want 3", len(job.Steps))
	}

	// Three serial sleeps would take 3x pause; overlapping runs finish in
	// roughly one.
	if elapsed >= 2*pause {
		t.Errorf("elapsed %v, want well under %v (steps did not overlap)", elapsed, 2*pause)
	}
}

func TestRunSerialStepsDoNotOverlap(t *testing.T) {
	const pause = 30 * time.Millisecond
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "s1", Kind: KindFunction, Target: "*"},
		{Name: "s2", Kind: KindFunction, Target: "*"},
	})
	minions := &scriptedMinions{
		sleep: map[string]time.Duration{"s1": pause, "s2": pause},
	}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	start := time.Now()
	if _, err := eng.Run(context.Background(), "orch"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*pause {
		t.Errorf("elapsed %v, want >= %v (serial steps overlapped)", elapsed, 2*pause)
	}
}

func TestRunFailedRequisiteBlocksDependent(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "a", Kind: KindFunction, Target: "*"},
		{Name: "b", Kind: KindFunction, Target: "*", Require: []string{"a"}},
		{Name: "c", Kind: KindFunction, Target: "*", Require: []string{"b"}},
	})
	minions := &scriptedMinions{fail: map[string]bool{"a": true}}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !job.Failed() || job.Retcode != 1 {
		t.Fatal("run with failed step reports success")
	}

	if got := minions.dispatched(); len(got) != 1 {
		t.Fatalf("dispatched %v, want only a", got)
	}

	b, ok := job.StepByID("b")
	if !ok {
		t.Fatal("no result entry for blocked step b")
	}
	if !b.Failed() {
		t.Error("blocked step b not recorded as failed")
	}
	if want := "One or more requisite failed: orch.a"; b.Comment != want {
		t.Errorf("b.Comment = %q, want %q", b.Comment, want)
	}

	// Blocking cascades: c's requisite b is itself blocked.
	c, ok := job.StepByID("c")
	if !ok {
		t.Fatal("no result entry for transitively blocked step c")
	}
	if want := "One or more requisite failed: orch.b"; c.Comment != want {
		t.Errorf("c.Comment = %q, want %q", c.Comment, want)
	}
}

func TestRunFailureDoesNotStopIndependentSiblings(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "bad", Kind: KindFunction, Target: "*"},
		{Name: "good", Kind: KindFunction, Target: "*"},
	})
	minions := &scriptedMinions{fail: map[string]bool{"bad": true}}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	good, ok := job.StepByID("good")
	if !ok {
		t.Fatal("independent sibling of a failed step never ran")
	}
	if !good.Succeeded() {
		t.Errorf("sibling result = %v (%q), want success", good.Result, good.Comment)
	}
	if !job.Failed() {
		t.Error("run with a failed step must still fail overall")
	}
}

func TestRunFailHardAbort(t *testing.T) {
	hard := true
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "boom", Kind: KindFunction, Target: "*", FailHard: &hard},
		{Name: "after", Kind: KindFunction, Target: "*"},
	})
	minions := &scriptedMinions{fail: map[string]bool{"boom": true}}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Retcode != 1 {
		t.Errorf("Retcode = %d, want 1", job.Retcode)
	}

	if got := minions.dispatched(); len(got) != 1 || got[0] != "boom" {
		t.Fatalf("dispatched %v, want only boom (abort must stop new dispatch)", got)
	}
	if _, ok := job.StepByID("after"); ok {
		t.Error("aborted run has an entry for the never-dispatched step")
	}
}

func TestRunFailHardDrainsInflight(t *testing.T) {
	hard := true
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "slow", Kind: KindFunction, Target: "*", Parallel: true},
		{Name: "boom", Kind: KindFunction, Target: "*", Parallel: true, FailHard: &hard},
	})
	minions := &scriptedMinions{
		sleep: map[string]time.Duration{"slow": 50 * time.Millisecond},
		fail:  map[string]bool{"boom": true},
	}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// boom fails fast and aborts, but slow was already in flight and must
	// still land in the record.
	slow, ok := job.StepByID("slow")
	if !ok {
		t.Fatal("in-flight step result dropped on abort")
	}
	if !slow.Succeeded() {
		t.Error("in-flight step did not run to completion")
	}
}

func TestRunSoftKillSkipsStep(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "keep", Kind: KindFunction, Target: "*"},
		{Name: "drop", Kind: KindFunction, Target: "*"},
	})
	minions := &scriptedMinions{}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	graph, err := BuildGraph(wf)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	eng.SoftKill("jid-sk", "drop")
	job := eng.runGraph(context.Background(), graph, "jid-sk", 0)

	if got := minions.dispatched(); len(got) != 1 || got[0] != "keep" {
		t.Fatalf("dispatched %v, want only keep", got)
	}
	// The skipped step leaves no trace in the record.
	if _, ok := job.StepByID("drop"); ok {
		t.Error("soft-killed step has a result entry")
	}
	if len(job.Steps) != 1 {
		t.Errorf("got %d results, want 1", len(job.Steps))
	}
	if job.Failed() {
		t.Error("skip alone must not fail the run")
	}
}

func TestRunSoftKillBlocksDependents(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "drop", Kind: KindFunction, Target: "*"},
		{Name: "child", Kind: KindFunction, Target: "*", Require: []string{"drop"}},
	})
	minions := &scriptedMinions{}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	graph, err := BuildGraph(wf)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	eng.SoftKill("jid-sk2", "drop")
	job := eng.runGraph(context.Background(), graph, "jid-sk2", 0)

	if got := minions.dispatched(); len(got) != 0 {
		t.Fatalf("dispatched %v, want nothing", got)
	}
	child, ok := job.StepByID("child")
	if !ok {
		t.Fatal("dependent of skipped step has no result entry")
	}
	if !child.Failed() || !strings.Contains(child.Comment, "requisite failed") {
		t.Errorf("child = %v (%q), want blocked failure", child.Result, child.Comment)
	}
}

func TestRunSoftKillDifferentJIDUnaffected(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "a", Kind: KindFunction, Target: "*"},
	})
	minions := &scriptedMinions{}
	eng := newTestEngine(t, []*Workflow{wf}, minions)
	eng.SoftKill("some-other-jid", "a")

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(job.Steps) != 1 {
		t.Error("mark for another jid suppressed this run's step")
	}
}

func TestRunNestedOrchestration(t *testing.T) {
	child := mustWorkflow(t, "child", []Step{
		{Name: "inner", Kind: KindFunction, Target: "*"},
	})
	parent := mustWorkflow(t, "parent", []Step{
		{Name: "sub", Kind: KindOrchestrate, Func: "child"},
	})
	minions := &scriptedMinions{}
	eng := newTestEngine(t, []*Workflow{parent, child}, minions)

	job, err := eng.Run(context.Background(), "parent")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Failed() {
		t.Fatalf("run failed: %+v", job.Steps)
	}

	sub, ok := job.StepByID("sub")
	if !ok {
		t.Fatal("no result for nested step")
	}
	if !sub.Succeeded() {
		t.Fatalf("nested step failed: %q", sub.Comment)
	}
	if sub.JID == "" || sub.JID == job.JID {
		t.Errorf("nested JID = %q, want fresh JID distinct from parent %q", sub.JID, job.JID)
	}
	if sub.Changes["out"] != "highstate" {
		t.Errorf("nested Changes[out] = %v, want highstate", sub.Changes["out"])
	}
	if got := minions.dispatched(); len(got) != 1 || got[0] != "inner" {
		t.Errorf("dispatched %v, want child's inner step", got)
	}
}

func TestRunNestedFailureAbortsParent(t *testing.T) {
	child := mustWorkflow(t, "child", []Step{
		{Name: "inner", Kind: KindFunction, Target: "*"},
	})
	parent := mustWorkflow(t, "parent", []Step{
		{Name: "sub", Kind: KindOrchestrate, Func: "child"},
		{Name: "after", Kind: KindFunction, Target: "*"},
	})
	minions := &scriptedMinions{fail: map[string]bool{"inner": true}}
	eng := newTestEngine(t, []*Workflow{parent, child}, minions)

	job, err := eng.Run(context.Background(), "parent")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Retcode != 1 {
		t.Errorf("Retcode = %d, want 1", job.Retcode)
	}

	sub, _ := job.StepByID("sub")
	if sub == nil || !sub.Failed() {
		t.Fatal("nested step with failing sub-run not recorded failed")
	}
	// Nested orchestrations fail hard by default: after never dispatches.
	if _, ok := job.StepByID("after"); ok {
		t.Error("step after failed nested orchestration was dispatched")
	}
}

func TestRunNestedDepthBound(t *testing.T) {
	// A workflow that orchestrates itself recurses until the depth bound.
	loop := mustWorkflow(t, "loop", []Step{
		{Name: "again", Kind: KindOrchestrate, Func: "loop"},
	})
	eng := newTestEngine(t, []*Workflow{loop}, nil, WithMaxNesting(3))

	job, err := eng.Run(context.Background(), "loop")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !job.Failed() {
		t.Fatal("unbounded recursion did not fail")
	}
}

func TestRunUnknownWorkflow(t *testing.T) {
	eng := newTestEngine(t, nil, nil)
	if _, err := eng.Run(context.Background(), "ghost"); err == nil {
		t.Fatal("Run() on unknown workflow, want error")
	}
}

func TestRunEmitsCompletionEvent(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "a", Kind: KindFunction, Target: "*"},
	})
	bus := emit.NewBus()
	eng := newTestEngine(t, []*Workflow{wf}, nil, WithEmitter(bus))

	type out struct {
		job *JobRecord
		err error
	}
	done := make(chan out, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := bus.Subscribe("salt/run/*/ret")
	defer sub.Unsubscribe()

	go func() {
		job, err := eng.Run(ctx, "orch")
		done <- out{job, err}
	}()

	var ev emit.Event
	select {
	case ev = <-sub.C:
	case <-ctx.Done():
		t.Fatal("timed out waiting for completion event")
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if ev.JID != res.job.JID {
		t.Errorf("event JID = %q, want %q", ev.JID, res.job.JID)
	}
	if ev.Data["retcode"] != 0 {
		t.Errorf("event retcode = %v, want 0", ev.Data["retcode"])
	}

	ret, ok := ev.Data["return"].(map[string]any)
	if !ok {
		t.Fatalf("event return = %T, want map", ev.Data["return"])
	}
	data, ok := ret["data"].(map[string]any)
	if !ok || data["master"] == nil {
		t.Errorf("event return data = %v, want keyed by master", ret["data"])
	}
}

func TestRunEmitsProgressEvents(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "a", Kind: KindFunction, Target: "*"},
		{Name: "b", Kind: KindFunction, Target: "*"},
	})
	buf := emit.NewBufferedEmitter()
	eng := newTestEngine(t, []*Workflow{wf}, nil, WithEmitter(buf))

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	prog := buf.HistoryWithFilter(job.JID, emit.HistoryFilter{TagGlob: "salt/run/*/prog/*"})
	if len(prog) != 2 {
		t.Fatalf("got %d progress events, want 2: %+v", len(prog), prog)
	}
	if prog[0].Step != "a" || prog[1].Step != "b" {
		t.Errorf("progress steps = %q, %q, want a then b", prog[0].Step, prog[1].Step)
	}
}

func TestRunPersistsJobRecord(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "a", Kind: KindFunction, Target: "*"},
	})
	jobs := store.NewMemStore[*JobRecord]()
	eng := newTestEngine(t, []*Workflow{wf}, nil, WithJobStore(jobs))

	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	ctx := context.Background()
	finished, err := jobs.Finished(ctx, job.JID)
	if err != nil {
		t.Fatalf("Finished() error = %v", err)
	}
	if !finished {
		t.Error("Finished() = false after run completion")
	}

	stored, err := jobs.Get(ctx, job.JID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.JID != job.JID || len(stored.Steps) != len(job.Steps) {
		t.Errorf("stored record differs: %+v", stored)
	}
}

func TestRunRenderAfterStoreReload(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "ping", Kind: KindFunction, Func: "test.ping", Target: "*"},
		{Name: "r", Kind: KindRunner, Func: "test.success"},
	})
	jobs, err := store.NewSQLiteStore[*JobRecord](filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer jobs.Close()

	eng := newTestEngine(t, []*Workflow{wf}, nil, WithJobStore(jobs))
	job, err := eng.Run(context.Background(), "orch")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	reloaded, err := jobs.Get(context.Background(), job.JID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// The persisted record must re-render and re-key identically to the
	// live one, backend kinds included.
	if got, want := Render(reloaded), Render(job); got != want {
		t.Errorf("reloaded render differs\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}
	structured := Structured(reloaded)
	if _, ok := structured["salt_|-ping_|-test.ping_|-function"]; !ok {
		t.Errorf("reloaded structured keys = %v", keys(structured))
	}
	if _, ok := structured["salt_|-r_|-test.success_|-runner"]; !ok {
		t.Errorf("reloaded structured keys = %v", keys(structured))
	}
}

func TestRunConcurrentRunsIsolated(t *testing.T) {
	wf := mustWorkflow(t, "orch", []Step{
		{Name: "a", Kind: KindFunction, Target: "*", Parallel: true},
		{Name: "b", Kind: KindFunction, Target: "*", Parallel: true},
	})
	minions := &scriptedMinions{
		sleep: map[string]time.Duration{"a": 10 * time.Millisecond, "b": 10 * time.Millisecond},
	}
	eng := newTestEngine(t, []*Workflow{wf}, minions)

	const runs = 5
	records := make(chan *JobRecord, runs)
	for i := 0; i < runs; i++ {
		go func() {
			job, err := eng.Run(context.Background(), "orch")
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
			records <- job
		}()
	}

	jids := make(map[string]bool, runs)
	for i := 0; i < runs; i++ {
		job := <-records
		if job == nil {
			continue
		}
		if jids[job.JID] {
			t.Errorf("duplicate JID %q across concurrent runs", job.JID)
		}
		jids[job.JID] = true
		if len(job.Steps) != 2 {
			t.Errorf("run %q has %d results, want 2", job.JID, len(job.Steps))
		}
	}
}
