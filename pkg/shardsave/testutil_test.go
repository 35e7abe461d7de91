package shardsave

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/shardsave/pkg/shardsave/collective"
)

// recordingSink is a StorageSink shared by every rank of a test. It keeps
// written bytes in memory and records each call.
type recordingSink struct {
	mu sync.Mutex

	setUps       []bool
	globalPlans  [][]SavePlan
	writes       map[int]SavePlan // rank -> plan, keyed by the plan's rank annotation
	written      map[string][]byte
	finishCalls  int
	finishMD     *Metadata
	finishResult [][]WriteResult

	setUpErr  error
	writeErr  func(plan SavePlan) error
	finishErr error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		writes:  make(map[int]SavePlan),
		written: make(map[string][]byte),
	}
}

func (s *recordingSink) SetUp(isCoordinator bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setUps = append(s.setUps, isCoordinator)
	return s.setUpErr
}

func (s *recordingSink) PrepareLocalPlan(plan SavePlan) (SavePlan, error) {
	return plan, nil
}

// PrepareGlobalPlan tags each plan with its rank so Write can tell them apart.
func (s *recordingSink) PrepareGlobalPlan(plans []SavePlan) ([]SavePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalPlans = append(s.globalPlans, plans)
	out := make([]SavePlan, len(plans))
	for i, p := range plans {
		p.StorageData = []byte(fmt.Sprintf("%d", i))
		out[i] = p
	}
	return out, nil
}

func (s *recordingSink) Write(_ context.Context, plan SavePlan, data DataResolver) ([]WriteResult, error) {
	if s.writeErr != nil {
		if err := s.writeErr(plan); err != nil {
			return nil, err
		}
	}
	var rank int
	if _, err := fmt.Sscanf(string(plan.StorageData), "%d", &rank); err != nil {
		return nil, fmt.Errorf("plan without rank tag: %w", err)
	}

	results := make([]WriteResult, 0, len(plan.Items))
	staged := make(map[string][]byte)
	for _, item := range plan.Items {
		b, err := data.ResolveData(item)
		if err != nil {
			return nil, err
		}
		path := fmt.Sprintf("r%d/%s", rank, item.Index)
		staged[path] = b
		results = append(results, WriteResult{
			Index:   item.Index,
			Size:    int64(len(b)),
			Storage: StorageInfo{Path: path, Length: int64(len(b))},
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[rank] = plan
	for k, v := range staged {
		s.written[k] = v
	}
	return results, nil
}

func (s *recordingSink) Finish(_ context.Context, md *Metadata, results [][]WriteResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishCalls++
	s.finishMD = md
	s.finishResult = results
	if s.finishErr != nil {
		return s.finishErr
	}
	md.Storage = make(map[string]StorageInfo)
	for _, rs := range results {
		for _, r := range rs {
			md.Storage[r.Index.String()] = r.Storage
		}
	}
	return nil
}

func (s *recordingSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *recordingSink) finishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishCalls
}

// stubPlanner is a DefaultPlanner with hooks for injecting failures and
// observing the global step.
type stubPlanner struct {
	*DefaultPlanner

	localErr  error
	finishErr error
	delay     time.Duration
	global    func(plans []SavePlan) ([]SavePlan, *Metadata, error)
	seen      func(plans []SavePlan)
}

func newStubPlanner() *stubPlanner {
	return &stubPlanner{DefaultPlanner: NewDefaultPlanner()}
}

func (p *stubPlanner) CreateLocalPlan() (SavePlan, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.localErr != nil {
		return SavePlan{}, p.localErr
	}
	return p.DefaultPlanner.CreateLocalPlan()
}

func (p *stubPlanner) CreateGlobalPlan(plans []SavePlan) ([]SavePlan, *Metadata, error) {
	if p.seen != nil {
		p.seen(plans)
	}
	if p.global != nil {
		return p.global(plans)
	}
	return p.DefaultPlanner.CreateGlobalPlan(plans)
}

func (p *stubPlanner) FinishPlan(plan SavePlan) (SavePlan, error) {
	if p.finishErr != nil {
		return SavePlan{}, p.finishErr
	}
	return p.DefaultPlanner.FinishPlan(plan)
}

// saveOutcome is one rank's return from Save.
type saveOutcome struct {
	md  *Metadata
	err error
}

// saveAll runs one Save per rank over an in-process world of n ranks.
// opts returns the rank's options on top of WithProcessGroup.
func saveAll(t *testing.T, n int, states func(rank int) StateDict, sink StorageSink, opts func(rank int) []SaveOption) []saveOutcome {
	t.Helper()
	world := collective.NewLocalWorld(n)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make([]saveOutcome, n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			o := []SaveOption{WithProcessGroup(world[rank])}
			if opts != nil {
				o = append(o, opts(rank)...)
			}
			md, err := Save(ctx, states(rank), sink, o...)
			out[rank] = saveOutcome{md: md, err: err}
		}(rank)
	}
	wg.Wait()
	require.NoError(t, ctx.Err(), "save did not finish on every rank")
	return out
}

// rankItem gives each rank one item named after it.
func rankItem(rank int) StateDict {
	return StateDict{fmt.Sprintf("rank%d_item", rank): []byte(fmt.Sprintf("payload-%d", rank))}
}

// recordingMetrics counts metric calls.
type recordingMetrics struct {
	mu     sync.Mutex
	saves  []bool
	rounds map[string]error
	items  int
	bytes  int64
}

func (m *recordingMetrics) RecordSave(_ context.Context, _ int, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, success)
}

func (m *recordingMetrics) RecordRound(_ context.Context, round string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rounds == nil {
		m.rounds = make(map[string]error)
	}
	m.rounds[round] = err
}

func (m *recordingMetrics) RecordWrite(_ context.Context, _ int, items int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items += items
	m.bytes += bytes
}

// recordingSpans records span names and the errors they ended with.
type recordingSpans struct {
	mu      sync.Mutex
	started []string
	ended   []error
	events  []string
}

func (r *recordingSpans) StartSaveSpan(ctx context.Context, _, _ int) (context.Context, trace.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, "save")
	return ctx, trace.SpanFromContext(ctx)
}

func (r *recordingSpans) StartRoundSpan(ctx context.Context, round string) (context.Context, trace.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, round)
	return ctx, trace.SpanFromContext(ctx)
}

func (r *recordingSpans) EndSpanWithError(_ trace.Span, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, err)
}

func (r *recordingSpans) AddSpanEvent(_ context.Context, name string, _ ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}
