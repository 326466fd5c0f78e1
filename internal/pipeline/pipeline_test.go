package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/healthdata-etl/internal/notify"
	"github.com/withObsrvr/healthdata-etl/internal/records"
	"github.com/withObsrvr/healthdata-etl/internal/state"
	"github.com/withObsrvr/healthdata-etl/internal/storage"
)

var logicalDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeSource returns rows, failing the first failures calls.
type fakeSource struct {
	rows     []records.RawRecord
	failures int
	calls    int
}

func (s *fakeSource) FetchAll(ctx context.Context) ([]records.RawRecord, error) {
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.calls <= s.failures {
		return nil, errors.New("source unavailable")
	}
	return s.rows, nil
}

// fakeWarehouse records what the stages did to it.
type fakeWarehouse struct {
	mu sync.Mutex

	opens, closes  int
	schemaCalls    int
	replaceCalls   int
	aggregateCalls int
	replaceFails   int
	aggregateFails int
	loaded         []records.Record
	latest         time.Time
	openErr        error
}

func (w *fakeWarehouse) opener() WarehouseOpener {
	return func(ctx context.Context) (Warehouse, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.openErr != nil {
			return nil, w.openErr
		}
		w.opens++
		return &fakeConn{w: w}, nil
	}
}

type fakeConn struct{ w *fakeWarehouse }

func (c *fakeConn) EnsureSchema(context.Context) error {
	c.w.schemaCalls++
	return nil
}

func (c *fakeConn) LatestReportDate(context.Context) (time.Time, bool, error) {
	return c.w.latest, !c.w.latest.IsZero(), nil
}

func (c *fakeConn) ReplaceFacts(_ context.Context, recs []records.Record) (int64, error) {
	c.w.replaceCalls++
	if c.w.replaceCalls <= c.w.replaceFails {
		return 0, errors.New("connection reset")
	}
	c.w.loaded = recs
	if t, ok := records.MaxDate(recs); ok {
		c.w.latest = t
	}
	return int64(len(recs)), nil
}

func (c *fakeConn) Aggregate(context.Context) error {
	c.w.aggregateCalls++
	if c.w.aggregateCalls <= c.w.aggregateFails {
		return errors.New("statement timeout")
	}
	return nil
}

func (c *fakeConn) Close() {
	c.w.mu.Lock()
	c.w.closes++
	c.w.mu.Unlock()
}

type fakeNotifier struct {
	events []notify.Event
	err    error
}

func (n *fakeNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.events = append(n.events, ev)
	return n.err
}

func (n *fakeNotifier) Close() error { return nil }

func rows(n int) []records.RawRecord {
	out := make([]records.RawRecord, n)
	for i := range out {
		out[i] = records.RawRecord{
			State:              "CA",
			OverallOutcome:     "Positive",
			Date:               fmt.Sprintf("2020-03-%02dT00:00:00.000", i%28+1),
			NewResultsReported: records.Int64(int64(i)),
		}
	}
	return out
}

type harness struct {
	p      *Pipeline
	src    *fakeSource
	wh     *fakeWarehouse
	states *state.MemoryStore
	notif  *fakeNotifier
	sleeps []time.Duration
}

func newHarness(t *testing.T, src *fakeSource, opts Options) *harness {
	t.Helper()
	h := &harness{
		src:    src,
		wh:     &fakeWarehouse{},
		states: state.NewMemoryStore(),
		notif:  &fakeNotifier{},
	}
	p, err := New(Deps{
		Source:    src,
		Warehouse: h.wh.opener(),
		State:     h.states,
		Notifier:  h.notif,
	}, opts)
	require.NoError(t, err)

	p.newID = func() string { return "run-1" }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.p = p
	return h
}

func taskStatuses(run *state.Run) map[string]state.Status {
	out := make(map[string]state.Status, len(run.Tasks))
	for _, t := range run.Tasks {
		out[t.Task] = t.Status
	}
	return out
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, &fakeSource{rows: rows(2400)}, DefaultOptions())

	run, err := h.p.Run(context.Background(), logicalDate)
	require.NoError(t, err)
	require.Equal(t, state.StatusSuccess, run.Status)
	require.Equal(t, "2024-03-01", run.LogicalDate)
	for _, task := range run.Tasks {
		require.Equal(t, state.StatusSuccess, task.Status, task.Task)
		require.Equal(t, 1, task.Attempts, task.Task)
		require.False(t, task.EndedAt.IsZero(), task.Task)
	}

	require.Len(t, h.wh.loaded, 2400)
	require.Equal(t, "2020-03-01 00:00:00", h.wh.loaded[0].Date)
	require.Equal(t, 1, h.wh.schemaCalls)
	require.Equal(t, 1, h.wh.aggregateCalls)
	// extract, load and aggregate each hold their own connection.
	require.Equal(t, 3, h.wh.opens)
	require.Equal(t, h.wh.opens, h.wh.closes)
	require.Empty(t, h.sleeps)

	stored, err := h.states.LastRun(context.Background(), "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, state.StatusSuccess, stored.Status)

	require.Len(t, h.notif.events, 1)
	ev := h.notif.events[0]
	require.Equal(t, "run-1", ev.RunID)
	require.EqualValues(t, 2400, ev.FactRows)
	require.Equal(t, "2020-03-28", ev.LatestReportDate)
	require.Contains(t, ev.Tables, "state_results")
}

func TestRun_EmptyExtractSkipsDownstream(t *testing.T) {
	h := newHarness(t, &fakeSource{}, DefaultOptions())

	run, err := h.p.Run(context.Background(), logicalDate)
	require.NoError(t, err)
	require.Equal(t, state.StatusSkipped, run.Status)
	require.NotEmpty(t, run.StopReason)
	require.Equal(t, map[string]state.Status{
		StageExtract:   state.StatusSuccess,
		StageTransform: state.StatusSkipped,
		StageLoad:      state.StatusSkipped,
		StageAggregate: state.StatusSkipped,
	}, taskStatuses(run))

	require.Zero(t, h.wh.replaceCalls)
	require.Zero(t, h.wh.aggregateCalls)
	require.Empty(t, h.notif.events)
	require.Equal(t, 0, run.Task(StageLoad).Attempts)
}

func TestRun_RetriesOnceThenSucceeds(t *testing.T) {
	h := newHarness(t, &fakeSource{rows: rows(10)}, DefaultOptions())
	h.wh.replaceFails = 1

	run, err := h.p.Run(context.Background(), logicalDate)
	require.NoError(t, err)
	require.Equal(t, state.StatusSuccess, run.Status)

	load := run.Task(StageLoad)
	require.Equal(t, 2, load.Attempts)
	require.Equal(t, state.StatusSuccess, load.Status)
	require.Empty(t, load.Error)
	require.Equal(t, []time.Duration{5 * time.Minute}, h.sleeps)
}

func TestRun_FailsAfterRetries(t *testing.T) {
	h := newHarness(t, &fakeSource{rows: rows(10)}, DefaultOptions())
	h.wh.replaceFails = 2

	run, err := h.p.Run(context.Background(), logicalDate)
	require.Error(t, err)
	require.True(t, IsRunFailed(err))
	require.Contains(t, err.Error(), "connection reset")

	require.Equal(t, state.StatusFailed, run.Status)
	require.Equal(t, map[string]state.Status{
		StageExtract:   state.StatusSuccess,
		StageTransform: state.StatusSuccess,
		StageLoad:      state.StatusFailed,
		StageAggregate: state.StatusUpstreamFailed,
	}, taskStatuses(run))
	require.Equal(t, 2, run.Task(StageLoad).Attempts)
	require.Zero(t, h.wh.aggregateCalls)
	require.Empty(t, h.notif.events)

	stored, err := h.states.LastRun(context.Background(), "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, stored.Status)
	require.Contains(t, stored.Error, "load")
}

func TestRun_MalformedRecordFailsTransform(t *testing.T) {
	raw := rows(3)
	raw[1].Date = "yesterday"
	h := newHarness(t, &fakeSource{rows: raw}, Options{Retries: 0})

	run, err := h.p.Run(context.Background(), logicalDate)
	require.ErrorIs(t, err, records.ErrMalformedRecord)
	require.ErrorIs(t, err, ErrRunFailed)
	require.Equal(t, state.StatusFailed, run.Task(StageTransform).Status)
	require.Equal(t, 1, run.Task(StageTransform).Attempts)
	require.Equal(t, state.StatusUpstreamFailed, run.Task(StageLoad).Status)
	require.Zero(t, h.wh.replaceCalls)
}

func TestRun_ExtractRetriesSource(t *testing.T) {
	src := &fakeSource{rows: rows(5), failures: 1}
	h := newHarness(t, src, DefaultOptions())

	run, err := h.p.Run(context.Background(), logicalDate)
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)
	require.Equal(t, 2, run.Task(StageExtract).Attempts)
	require.Equal(t, h.wh.opens, h.wh.closes)
}

func TestRun_CancelledDuringRetryWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, &fakeSource{rows: rows(5)}, DefaultOptions())
	h.wh.replaceFails = 5
	h.p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	run, err := h.p.Run(ctx, logicalDate)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, state.StatusFailed, run.Status)
	require.Equal(t, 1, run.Task(StageLoad).Attempts)

	// State is still persisted after cancellation.
	stored, err := h.states.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, stored.Status)
}

func TestRun_WarehouseUnavailable(t *testing.T) {
	h := newHarness(t, &fakeSource{rows: rows(5)}, DefaultOptions())
	h.wh.openErr = errors.New("connection refused")

	run, err := h.p.Run(context.Background(), logicalDate)
	require.Error(t, err)
	require.Equal(t, state.StatusFailed, run.Task(StageExtract).Status)
	require.Equal(t, 2, run.Task(StageExtract).Attempts)
	require.Zero(t, h.src.calls)
	require.Equal(t, state.StatusUpstreamFailed, run.Task(StageTransform).Status)
}

func TestRun_SkipUnchanged(t *testing.T) {
	opts := DefaultOptions()
	opts.SkipUnchanged = true
	h := newHarness(t, &fakeSource{rows: rows(28)}, opts)
	h.wh.latest = time.Date(2020, 3, 28, 0, 0, 0, 0, time.UTC)

	run, err := h.p.Run(context.Background(), logicalDate)
	require.NoError(t, err)
	require.Equal(t, state.StatusSkipped, run.Status)
	require.Contains(t, run.StopReason, "2020-03-28")
	require.Zero(t, h.wh.replaceCalls)

	// Newer data goes through.
	h.wh.latest = time.Date(2020, 3, 27, 0, 0, 0, 0, time.UTC)
	run, err = h.p.Run(context.Background(), logicalDate)
	require.NoError(t, err)
	require.Equal(t, state.StatusSuccess, run.Status)
}

func TestRun_NotifyFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, &fakeSource{rows: rows(3)}, DefaultOptions())
	h.notif.err = errors.New("broker down")

	run, err := h.p.Run(context.Background(), logicalDate)
	require.NoError(t, err)
	require.Equal(t, state.StatusSuccess, run.Status)
	require.Len(t, h.notif.events, 1)
}

func TestRun_ArchivesHandoffs(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	archiver := storage.NewArchiver(store, "healthdata/", storage.ProducerInfo{Name: "healthdata-etl", Version: Version})

	src := &fakeSource{rows: rows(4)}
	wh := &fakeWarehouse{}
	p, err := New(Deps{Source: src, Warehouse: wh.opener(), State: state.NewMemoryStore(), Archive: archiver}, DefaultOptions())
	require.NoError(t, err)
	p.newID = func() string { return "run-a" }

	_, err = p.Run(context.Background(), logicalDate)
	require.NoError(t, err)

	ctx := context.Background()
	raw, err := archiver.ReadExtract(ctx, storage.HandoffRef{LogicalDate: "2024-03-01", RunID: "run-a", Stage: StageExtract})
	require.NoError(t, err)
	require.Len(t, raw, 4)

	facts, err := archiver.ReadTransform(ctx, storage.HandoffRef{LogicalDate: "2024-03-01", RunID: "run-a", Stage: StageTransform})
	require.NoError(t, err)
	require.Len(t, facts, 4)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultOptions())
	require.Error(t, err)

	_, err = New(Deps{Source: &fakeSource{}}, DefaultOptions())
	require.Error(t, err)

	wh := &fakeWarehouse{}
	_, err = New(Deps{Source: &fakeSource{}, Warehouse: wh.opener()}, DefaultOptions())
	require.Error(t, err)
}

func TestRun_LogsCarryRunContext(t *testing.T) {
	h := newHarness(t, &fakeSource{rows: rows(56)}, DefaultOptions())
	var buf bytes.Buffer
	h.p.log = slog.New(slog.NewJSONHandler(&buf, nil))

	_, err := h.p.Run(context.Background(), logicalDate)
	require.NoError(t, err)

	var loaded map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		require.Equal(t, "run-1", entry["run_id"], line)
		require.Equal(t, "2024-03-01", entry["logical_date"], line)
		if entry["msg"] == "loaded fact table" {
			loaded = entry
		}
	}
	require.NotNil(t, loaded, "no load log line")
	require.Equal(t, "load", loaded["stage"])
	require.Equal(t, float64(56), loaded["rows"])
	require.Equal(t, "2020-03-28", loaded["latest_date"])
}
