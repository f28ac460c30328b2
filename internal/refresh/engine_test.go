package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ratings-tracker/internal/api"
	"ratings-tracker/internal/codec"
	"ratings-tracker/internal/domain"
	"ratings-tracker/internal/merge"
	"ratings-tracker/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store with the same cursor semantics as RecordRepository.
type memStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	cursors   []string
	puts      []string
	scanErrs  int
	failPuts  map[string]bool
	scanCalls int
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}, failPuts: map[string]bool{}}
}

func (s *memStore) Scan(_ context.Context, cursor string, pageSize int) (repository.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scanCalls++
	s.cursors = append(s.cursors, cursor)
	if s.scanErrs > 0 {
		s.scanErrs--
		return repository.Page{}, errors.New("scan unavailable")
	}

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if k > cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := repository.Page{}
	for i, k := range keys {
		if i == pageSize {
			page.Next = page.Items[len(page.Items)-1].Key
			break
		}
		page.Items = append(page.Items, domain.StoredRecord{Key: k, Payload: s.data[k]})
	}
	return page, nil
}

func (s *memStore) Put(_ context.Context, rec domain.StoredRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPuts[rec.Key] {
		return errors.New("write rejected")
	}
	s.data[rec.Key] = rec.Payload
	s.puts = append(s.puts, rec.Key)
	return nil
}

func (s *memStore) putRecord(t *testing.T, rec domain.Record) {
	t.Helper()
	payload, err := codec.Encode(rec)
	require.NoError(t, err)
	s.data[rec.Key] = payload
}

func (s *memStore) record(t *testing.T, key string) domain.Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := codec.Decode(s.data[key])
	require.NoError(t, err)
	return rec
}

func (s *memStore) putKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.puts...)
	sort.Strings(out)
	return out
}

type fakeSource struct {
	mu       sync.Mutex
	outcomes map[string]api.Outcome
	calls    map[string]int
	onFetch  func(id string)
}

func newFakeSource() *fakeSource {
	return &fakeSource{outcomes: map[string]api.Outcome{}, calls: map[string]int{}}
}

func (f *fakeSource) FetchRatings(_ context.Context, id string) api.Outcome {
	f.mu.Lock()
	f.calls[id]++
	out, ok := f.outcomes[id]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if !ok {
		return api.Outcome{Kind: api.NotRegistered}
	}
	return out
}

func (f *fakeSource) set(id string, values map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = api.Outcome{Kind: api.Found, Snapshot: domain.Snapshot{DisplayName: id, CategoryValues: values}}
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func testOptions() Options {
	return Options{
		PageSize:      50,
		Workers:       4,
		PageDelay:     time.Second,
		SweepDuration: 60 * time.Second,
		ScanBackoff:   time.Hour,
		FetchTimeout:  time.Second,
		StoreTimeout:  time.Second,
	}
}

func newTestEngine(store Store, source api.Source, clock Clock, opts Options) *Engine {
	return NewEngine(store, source, merge.NewPolicy(1000, 10000), opts, zerolog.Nop(), WithClock(clock))
}

func TestSweep_EndToEndExample(t *testing.T) {
	t.Run("unchanged value is not written", func(t *testing.T) {
		store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
		store.putRecord(t, domain.Record{Key: "ash", DisplayName: "ash", History: domain.History{"ou": {{Time: 100, Value: 1500}}}})
		source.set("ash", map[string]float64{"ou": 1500})

		stats, err := newTestEngine(store, source, clock, testOptions()).Sweep(context.Background())

		require.NoError(t, err)
		require.Equal(t, 1, stats.Unchanged)
		require.Empty(t, store.putKeys())
	})

	t.Run("changed value is appended and written", func(t *testing.T) {
		store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
		store.putRecord(t, domain.Record{Key: "ash", DisplayName: "ash", History: domain.History{"ou": {{Time: 100, Value: 1500}}}})
		source.set("ash", map[string]float64{"ou": 1620})

		stats, err := newTestEngine(store, source, clock, testOptions()).Sweep(context.Background())

		require.NoError(t, err)
		require.Equal(t, 1, stats.Updated)
		require.Equal(t, []string{"ash"}, store.putKeys())

		now := uint64(clock.Now().Unix())
		require.Equal(t,
			[]domain.Observation{{Time: 100, Value: 1500}, {Time: now, Value: 1620}},
			store.record(t, "ash").History["ou"])
	})

	t.Run("not registered is skipped", func(t *testing.T) {
		store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
		store.putRecord(t, domain.Record{Key: "ash", DisplayName: "ash", History: domain.History{"ou": {{Time: 100, Value: 1500}}}})

		stats, err := newTestEngine(store, source, clock, testOptions()).Sweep(context.Background())

		require.NoError(t, err)
		require.Equal(t, 1, stats.Skipped)
		require.Zero(t, stats.Failed)
		require.Empty(t, store.putKeys())
	})
}

func TestSweep_FaultIsolation(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	for _, k := range []string{"alpha", "bravo", "charlie", "delta", "echo"} {
		store.putRecord(t, domain.Record{Key: k, DisplayName: k, History: domain.History{"ou": {{Time: 1, Value: 1200}}}})
		source.set(k, map[string]float64{"ou": 1300})
	}
	source.outcomes["bravo"] = api.Outcome{Kind: api.TransientError, Err: api.ErrTransient}
	store.data["charlie"] = []byte("corrupt")
	store.failPuts["delta"] = true

	stats, err := newTestEngine(store, source, clock, testOptions()).Sweep(context.Background())

	require.NoError(t, err)
	require.Equal(t, 5, stats.Processed)
	require.Equal(t, 2, stats.Updated)
	require.Equal(t, 3, stats.Failed)
	require.Equal(t, []string{"alpha", "echo"}, store.putKeys())
	require.Zero(t, source.calls["charlie"])
}

func TestProcessRecord_Stages(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	e := newTestEngine(store, source, clock, testOptions())
	ctx := context.Background()

	payload, err := codec.Encode(domain.Record{Key: "ash", DisplayName: "ash", History: domain.History{"ou": {{Time: 1, Value: 1500}}}})
	require.NoError(t, err)
	item := domain.StoredRecord{Key: "ash", Payload: payload}

	o := e.processRecord(ctx, domain.StoredRecord{Key: "ash", Payload: []byte{0x1f}})
	require.Equal(t, Failed, o.Kind)
	require.Equal(t, StageDecode, o.Stage)
	require.ErrorIs(t, o.Err, codec.ErrDecode)

	source.outcomes["ash"] = api.Outcome{Kind: api.TransientError, Err: api.ErrTransient}
	o = e.processRecord(ctx, item)
	require.Equal(t, Failed, o.Kind)
	require.Equal(t, StageFetch, o.Stage)

	source.set("ash", map[string]float64{"ou": 1501})
	store.failPuts["ash"] = true
	o = e.processRecord(ctx, item)
	require.Equal(t, Failed, o.Kind)
	require.Equal(t, StageWrite, o.Stage)
	var se *StoreError
	require.ErrorAs(t, o.Err, &se)
	require.Equal(t, "put", se.Op)
}

func TestSweep_OutOfBoundsValuesNeverStored(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	store.putRecord(t, domain.Record{Key: "ash", DisplayName: "ash", History: domain.History{"ou": {{Time: 1, Value: 1500}}}})
	source.set("ash", map[string]float64{"ou": 99999, "uu": 1400})

	stats, err := newTestEngine(store, source, clock, testOptions()).Sweep(context.Background())

	require.NoError(t, err)
	require.Equal(t, 1, stats.Updated)
	rec := store.record(t, "ash")
	require.Len(t, rec.History["ou"], 1)
	require.Len(t, rec.History["uu"], 1)
}

func TestSweep_StoredKeyIsSourceOfTruth(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	store.putRecord(t, domain.Record{Key: "ashketchum", DisplayName: "Ash Ketchum", History: domain.History{}})
	source.outcomes["ashketchum"] = api.Outcome{Kind: api.Found, Snapshot: domain.Snapshot{
		DisplayName:    "ASH KETCHUM",
		CategoryValues: map[string]float64{"ou": 1500},
	}}

	_, err := newTestEngine(store, source, clock, testOptions()).Sweep(context.Background())

	require.NoError(t, err)
	require.Equal(t, 1, source.calls["ashketchum"])
	rec := store.record(t, "ashketchum")
	require.Equal(t, "ashketchum", rec.Key)
	require.Equal(t, "ASH KETCHUM", rec.DisplayName)
}

func TestSweep_PaginationCompleteness(t *testing.T) {
	for _, total := range []int{0, 1, 5, 23} {
		for _, pageSize := range []int{1, 5, 7, 50} {
			t.Run(fmt.Sprintf("total=%d/page=%d", total, pageSize), func(t *testing.T) {
				store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
				for i := range total {
					k := fmt.Sprintf("p%02d", i)
					store.putRecord(t, domain.Record{Key: k, DisplayName: k, History: domain.History{}})
					source.set(k, map[string]float64{"ou": 1500})
				}
				opts := testOptions()
				opts.PageSize = pageSize

				stats, err := newTestEngine(store, source, clock, opts).Sweep(context.Background())

				require.NoError(t, err)
				require.Equal(t, total, stats.Processed)
				require.Equal(t, total, stats.Updated)
				require.Len(t, source.calls, total)
				for k, n := range source.calls {
					require.Equal(t, 1, n, "key %s", k)
				}
			})
		}
	}
}

func TestSweep_ScanFailureKeepsCursor(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	for i := range 6 {
		k := fmt.Sprintf("p%d", i)
		store.putRecord(t, domain.Record{Key: k, DisplayName: k, History: domain.History{}})
		source.set(k, map[string]float64{"ou": 1500})
	}
	opts := testOptions()
	opts.PageSize = 2
	opts.ScanBackoff = 10 * time.Minute

	e := newTestEngine(store, source, clock, opts)

	// fail the second and third scans
	source.onFetch = func(id string) {
		if id == "p1" {
			store.mu.Lock()
			store.scanErrs = 2
			store.mu.Unlock()
		}
	}

	stats, err := e.Sweep(context.Background())

	require.NoError(t, err)
	require.Equal(t, 6, stats.Processed)
	require.Equal(t, 2, stats.ScanFailures)
	require.Equal(t, []string{"", "p1", "p1", "p1", "p3"}, store.cursors)
	require.Contains(t, clock.Sleeps(), 10*time.Minute)
	for k, n := range source.calls {
		require.Equal(t, 1, n, "key %s", k)
	}
}

func TestSweep_PacesPageFetches(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	for i := range 6 {
		k := fmt.Sprintf("p%d", i)
		store.putRecord(t, domain.Record{Key: k, DisplayName: k, History: domain.History{}})
		source.set(k, map[string]float64{"ou": 1500})
	}
	// each fetch costs 200ms of wall time
	source.onFetch = func(string) { clock.Advance(200 * time.Millisecond) }

	opts := testOptions()
	opts.PageSize = 2
	opts.Workers = 1

	stats, err := newTestEngine(store, source, clock, opts).Sweep(context.Background())

	require.NoError(t, err)
	require.Equal(t, 3, stats.Pages)
	require.Equal(t, []time.Duration{600 * time.Millisecond, 600 * time.Millisecond}, clock.Sleeps())
	require.Equal(t, 2*time.Second+400*time.Millisecond, stats.Duration)
}

func TestSweep_SlowPagesAreNotDelayed(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	for i := range 4 {
		k := fmt.Sprintf("p%d", i)
		store.putRecord(t, domain.Record{Key: k, DisplayName: k, History: domain.History{}})
		source.set(k, map[string]float64{"ou": 1500})
	}
	source.onFetch = func(string) { clock.Advance(2 * time.Second) }

	opts := testOptions()
	opts.PageSize = 2
	opts.Workers = 1

	_, err := newTestEngine(store, source, clock, opts).Sweep(context.Background())

	require.NoError(t, err)
	require.Empty(t, clock.Sleeps())
}

func TestRun_PacesSweeps(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	store.putRecord(t, domain.Record{Key: "ash", DisplayName: "ash", History: domain.History{}})
	source.set("ash", map[string]float64{"ou": 1500})
	source.onFetch = func(string) { clock.Advance(15 * time.Second) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweepSleeps := 0
	clock.onSleep = func(d time.Duration) {
		if d >= 30*time.Second {
			sweepSleeps++
			if sweepSleeps == 2 {
				cancel()
			}
		}
	}

	err := newTestEngine(store, source, clock, testOptions()).Run(ctx)

	require.NoError(t, err)
	require.Equal(t, 2, source.calls["ash"])
	require.Equal(t, []time.Duration{45 * time.Second, 45 * time.Second}, clock.Sleeps())
}

func TestRun_LongSweepStartsNextImmediately(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	store.putRecord(t, domain.Record{Key: "ash", DisplayName: "ash", History: domain.History{}})
	source.set("ash", map[string]float64{"ou": 1500})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source.onFetch = func(string) {
		clock.Advance(90 * time.Second)
		source.mu.Lock()
		n := source.calls["ash"]
		source.mu.Unlock()
		if n == 3 {
			cancel()
		}
	}

	err := newTestEngine(store, source, clock, testOptions()).Run(ctx)

	require.NoError(t, err)
	require.Equal(t, 3, source.calls["ash"])
	require.Empty(t, clock.Sleeps())
}

func TestSweep_CooperativeShutdown(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	for i := range 6 {
		k := fmt.Sprintf("p%d", i)
		store.putRecord(t, domain.Record{Key: k, DisplayName: k, History: domain.History{}})
		source.set(k, map[string]float64{"ou": 1500})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source.onFetch = func(id string) {
		if id == "p1" {
			cancel()
		}
	}

	opts := testOptions()
	opts.PageSize = 4
	opts.Workers = 1

	stats, err := newTestEngine(store, source, clock, opts).Sweep(ctx)

	require.ErrorIs(t, err, ErrShutdown)
	// the record in flight when shutdown was raised is still written
	require.Equal(t, []string{"p0", "p1"}, store.putKeys())
	require.Equal(t, 2, stats.Processed)
	require.Equal(t, 1, store.scanCalls)
}

func TestRun_ShutdownDuringPacingReturnsNil(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()

	ctx, cancel := context.WithCancel(context.Background())
	clock.onSleep = func(time.Duration) { cancel() }

	done := make(chan error, 1)
	go func() { done <- newTestEngine(store, source, clock, testOptions()).Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRealClockSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RealClock().Sleep(ctx, time.Hour)

	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, RealClock().Sleep(context.Background(), time.Millisecond))
}

func TestTally(t *testing.T) {
	var tally Tally
	tally.Add(updated("a"))
	tally.Add(unchanged("b"))
	tally.Add(skipped("c", StageFetch, "not registered"))
	tally.Add(failed("d", StageWrite, errors.New("boom")))

	require.Equal(t, Tally{Processed: 4, Updated: 1, Unchanged: 1, Skipped: 1, Failed: 1}, tally)

	var total Tally
	total.Merge(tally)
	total.Merge(tally)
	require.Equal(t, 8, total.Processed)
	require.Equal(t, "failed", Failed.String())
}

func TestSweep_WorkerBound(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	for i := range 12 {
		k := fmt.Sprintf("p%02d", i)
		store.putRecord(t, domain.Record{Key: k, DisplayName: k, History: domain.History{}})
		source.set(k, map[string]float64{"ou": 1500})
	}

	var inFlight, peak atomic.Int32
	source.onFetch = func(string) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
	}

	opts := testOptions()
	opts.Workers = 3

	stats, err := newTestEngine(store, source, clock, opts).Sweep(context.Background())

	require.NoError(t, err)
	require.Equal(t, 12, stats.Updated)
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.Positive(t, peak.Load())
}

func TestSweep_ClockStepsBackwards(t *testing.T) {
	store, source, clock := newMemStore(), newFakeSource(), newFakeClock()
	store.putRecord(t, domain.Record{
		Key:         "ash",
		DisplayName: "ash",
		History:     domain.History{"ou": {{Time: 1_700_000_000, Value: 1500}}},
	})
	source.set("ash", map[string]float64{"ou": 1620})
	clock.Advance(-2 * time.Hour)

	_, err := newTestEngine(store, source, clock, testOptions()).Sweep(context.Background())

	require.NoError(t, err)
	h := store.record(t, "ash").History["ou"]
	require.Len(t, h, 2)
	require.LessOrEqual(t, h[0].Time, h[1].Time)
	require.Equal(t, 1620.0, h[1].Value)
}

type throttledSource struct {
	*fakeSource
	info api.RateLimitInfo
}

func (s throttledSource) GetRateLimitInfo() api.RateLimitInfo { return s.info }

func TestSweep_LogsThrottleInfo(t *testing.T) {
	store, clock := newMemStore(), newFakeClock()
	store.putRecord(t, domain.Record{Key: "ash", DisplayName: "ash", History: domain.History{}})
	source := throttledSource{
		fakeSource: newFakeSource(),
		info:       api.RateLimitInfo{Throttled: 2, RetryAfter: 30 * time.Second},
	}

	var buf bytes.Buffer
	engine := NewEngine(store, source, merge.NewPolicy(1000, 10000), testOptions(), zerolog.New(&buf), WithClock(clock))

	_, err := engine.Sweep(context.Background())

	require.NoError(t, err)
	require.Contains(t, buf.String(), `"message":"sweep complete"`)
	require.Contains(t, buf.String(), `"throttled":2`)
	require.Contains(t, buf.String(), `"retry_after":30000`)
}
