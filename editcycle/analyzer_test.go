package editcycle_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/coder/quartz"

	"github.com/superludanman/behaviortrack/editcycle"
	"github.com/superludanman/behaviortrack/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

type recorder struct {
	batches  [][]editcycle.SignificantEdit
	larges   []editcycle.SignificantEdit
	problems []editcycle.Problem
}

func (r *recorder) sinks() editcycle.Sinks {
	return editcycle.Sinks{
		Batch:   func(edits []editcycle.SignificantEdit) { r.batches = append(r.batches, edits) },
		Large:   func(e editcycle.SignificantEdit) { r.larges = append(r.larges, e) },
		Problem: func(p editcycle.Problem) { r.problems = append(r.problems, p) },
	}
}

func newAnalyzer(t *testing.T, cfg editcycle.Config) (*editcycle.Analyzer, *recorder, *quartz.Mock) {
	t.Helper()
	rec := &recorder{}
	mClock := quartz.NewMock(t)
	a := editcycle.New(cfg, rec.sinks(),
		editcycle.WithLogger(slogtest.Make(t, nil)),
		editcycle.WithClock(mClock),
	)
	return a, rec, mClock
}

// runCycle performs one delete-then-retype sequence: from length start,
// delete down to low, then retype up to end.
func runCycle(a *editcycle.Analyzer, mClock *quartz.Mock, surface string, start, low, end int) {
	a.Observe(surface, low)
	mClock.Advance(time.Second)
	a.Observe(surface, end)
	mClock.Advance(time.Second)
}

func TestSeverityFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, editcycle.SeverityLow, editcycle.SeverityFor(3))
	assert.Equal(t, editcycle.SeverityLow, editcycle.SeverityFor(4))
	assert.Equal(t, editcycle.SeverityMedium, editcycle.SeverityFor(5))
	assert.Equal(t, editcycle.SeverityMedium, editcycle.SeverityFor(9))
	assert.Equal(t, editcycle.SeverityHigh, editcycle.SeverityFor(10))
	assert.Equal(t, editcycle.SeverityHigh, editcycle.SeverityFor(25))
}

func TestAnalyzer_AdditionThreshold(t *testing.T) {
	t.Parallel()
	a, rec, _ := newAnalyzer(t, editcycle.Config{MinChangeThreshold: 10, BatchSize: 1})

	// Below threshold: noise.
	a.Observe("html", 9)
	require.Empty(t, rec.batches)

	// Crossing the threshold in one signal records an addition.
	a.Observe("html", 25)
	require.Len(t, rec.batches, 1)
	edit := rec.batches[0][0]
	require.Equal(t, editcycle.KindAddition, edit.Kind)
	require.Equal(t, 16, edit.NetChange)
	require.Equal(t, 25, edit.ResultingLength)
}

func TestAnalyzer_MeaningfulEditTimeoutGuard(t *testing.T) {
	t.Parallel()
	a, rec, mClock := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold:    10,
		MeaningfulEditTimeout: 2 * time.Second,
		BatchSize:             1,
	})

	a.Observe("js", 20) // first meaningful addition
	require.Len(t, rec.batches, 1)

	// Fast continuous typing: big growth but within the timeout of the
	// last meaningful edit. Not a separate meaningful addition.
	mClock.Advance(time.Second)
	a.Observe("js", 40)
	require.Len(t, rec.batches, 1)

	// After a pause past the timeout, growth counts again.
	mClock.Advance(3 * time.Second)
	a.Observe("js", 60)
	require.Len(t, rec.batches, 2)
}

func TestAnalyzer_EditCycleNetChange(t *testing.T) {
	t.Parallel()

	t.Run("BelowThresholdIgnored", func(t *testing.T) {
		t.Parallel()
		a, rec, mClock := newAnalyzer(t, editcycle.Config{MinChangeThreshold: 10, BatchSize: 1})

		a.Observe("css", 100)
		rec.batches = nil // discard the setup addition

		// Delete 20, retype 25: net +5, below threshold.
		runCycle(a, mClock, "css", 100, 80, 105)
		require.Empty(t, rec.batches)
	})

	t.Run("AtThresholdRecorded", func(t *testing.T) {
		t.Parallel()
		a, rec, mClock := newAnalyzer(t, editcycle.Config{MinChangeThreshold: 10, BatchSize: 1})

		a.Observe("css", 100)
		rec.batches = nil

		// Delete 20, retype 30: net +10, exactly at threshold.
		runCycle(a, mClock, "css", 100, 80, 110)
		require.Len(t, rec.batches, 1)
		edit := rec.batches[0][0]
		require.Equal(t, editcycle.KindEditCycle, edit.Kind)
		require.Equal(t, 10, edit.NetChange)
		require.Equal(t, 1, edit.ConsecutiveEdits)
	})

	t.Run("NegativeNetCounts", func(t *testing.T) {
		t.Parallel()
		a, rec, mClock := newAnalyzer(t, editcycle.Config{MinChangeThreshold: 10, BatchSize: 1})

		a.Observe("css", 100)
		rec.batches = nil

		// Delete 50, retype 10: net -40.
		runCycle(a, mClock, "css", 100, 50, 60)
		require.Len(t, rec.batches, 1)
		require.Equal(t, -40, rec.batches[0][0].NetChange)
	})
}

func TestAnalyzer_ContinuedDeletionIsOneCycle(t *testing.T) {
	t.Parallel()
	a, rec, mClock := newAnalyzer(t, editcycle.Config{MinChangeThreshold: 10, BatchSize: 1})

	a.Observe("js", 100)
	rec.batches = nil

	// Three shrinking signals form one deletion, not three.
	a.Observe("js", 90)
	a.Observe("js", 70)
	a.Observe("js", 50)
	mClock.Advance(time.Second)
	a.Observe("js", 80) // cycle completes: net -20 from 100

	require.Len(t, rec.batches, 1)
	edit := rec.batches[0][0]
	require.Equal(t, -20, edit.NetChange)
	require.Equal(t, 1, edit.ConsecutiveEdits)
	require.Empty(t, rec.problems)
}

func TestAnalyzer_ProblemDetection(t *testing.T) {
	t.Parallel()
	a, rec, mClock := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold: 10,
		ProblemThreshold:   3,
		BatchSize:          100, // keep batching out of the way
	})

	a.Observe("js", 100)

	// Spec scenario: three consecutive delete-then-retype cycles, each
	// exceeding the magnitude threshold.
	runCycle(a, mClock, "js", 100, 80, 120) // consecutive 1
	runCycle(a, mClock, "js", 120, 90, 140) // consecutive 2
	require.Empty(t, rec.problems)
	runCycle(a, mClock, "js", 140, 100, 160) // consecutive 3: problem

	require.Len(t, rec.problems, 1)
	p := rec.problems[0]
	require.Equal(t, 3, p.ConsecutiveEdits)
	require.Equal(t, editcycle.SeverityLow, p.Severity)
	require.Equal(t, "js", p.Surface)

	// 3 cycles + the setup addition are in history.
	snap := a.Snapshot()
	require.Equal(t, 4, snap.HistoryLen)
}

func TestAnalyzer_ProblemSeverityEscalates(t *testing.T) {
	t.Parallel()
	a, rec, mClock := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold: 10,
		ProblemThreshold:   3,
		BatchSize:          100,
	})

	a.Observe("js", 100)
	length := 100
	for i := 0; i < 10; i++ {
		runCycle(a, mClock, "js", length, length-30, length+20)
		length += 20
	}

	// Cycles 3..10 are all problem episodes; severity follows the
	// consecutive-edit count at completion.
	require.Len(t, rec.problems, 8)
	require.Equal(t, editcycle.SeverityLow, rec.problems[0].Severity)     // 3
	require.Equal(t, editcycle.SeverityMedium, rec.problems[2].Severity)  // 5
	require.Equal(t, editcycle.SeverityMedium, rec.problems[6].Severity)  // 9
	require.Equal(t, editcycle.SeverityHigh, rec.problems[7].Severity)    // 10
}

func TestAnalyzer_AdditionResetsStreak(t *testing.T) {
	t.Parallel()
	a, rec, mClock := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold:    10,
		MeaningfulEditTimeout: time.Second,
		ProblemThreshold:      3,
		BatchSize:             100,
	})

	a.Observe("js", 100)
	runCycle(a, mClock, "js", 100, 80, 120)
	runCycle(a, mClock, "js", 120, 90, 140)

	// Meaningful forward progress ends the struggle streak.
	mClock.Advance(5 * time.Second)
	a.Observe("js", 200)

	runCycle(a, mClock, "js", 200, 150, 220)
	require.Empty(t, rec.problems, "streak was reset; one more cycle must not trip the threshold")
	require.Equal(t, 1, a.Snapshot().Surfaces["js"].ConsecutiveEdits)
}

func TestAnalyzer_LargeAdditionBypassesBatching(t *testing.T) {
	t.Parallel()
	a, rec, _ := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold:   10,
		LargeChangeThreshold: 50,
		BatchSize:            5,
	})

	// A paste of 60 characters goes out immediately, alone.
	a.Observe("html", 60)
	require.Len(t, rec.larges, 1)
	require.Empty(t, rec.batches)
	require.Equal(t, 60, rec.larges[0].AbsChange)

	// It did not count toward the unsent batch.
	require.Zero(t, a.Snapshot().UnsentEdits)
}

func TestAnalyzer_BatchOfFive(t *testing.T) {
	t.Parallel()
	a, rec, mClock := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold:    10,
		MeaningfulEditTimeout: time.Second,
		BatchSize:             5,
	})

	length := 0
	for i := 0; i < 5; i++ {
		length += 20
		a.Observe("html", length)
		mClock.Advance(2 * time.Second)
	}

	require.Len(t, rec.batches, 1)
	require.Len(t, rec.batches[0], 5)
	require.Zero(t, a.Snapshot().UnsentEdits)

	// The batch holds the edits in order.
	require.Equal(t, 20, rec.batches[0][0].ResultingLength)
	require.Equal(t, 100, rec.batches[0][4].ResultingLength)
}

func TestAnalyzer_DrainReturnsUnsent(t *testing.T) {
	t.Parallel()
	a, rec, mClock := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold:    10,
		MeaningfulEditTimeout: time.Second,
		BatchSize:             5,
	})

	length := 0
	for i := 0; i < 3; i++ {
		length += 20
		a.Observe("html", length)
		mClock.Advance(2 * time.Second)
	}
	require.Empty(t, rec.batches)

	drained := a.Drain()
	require.Len(t, drained, 3)
	require.Zero(t, a.Snapshot().UnsentEdits)
	require.Empty(t, a.Drain(), "second drain is empty")
}

func TestAnalyzer_HistoryBounded(t *testing.T) {
	t.Parallel()
	a, _, mClock := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold:    10,
		MeaningfulEditTimeout: time.Second,
		HistoryLimit:          10,
		BatchSize:             3,
	})

	length := 0
	for i := 0; i < 30; i++ {
		length += 20
		a.Observe("html", length)
		mClock.Advance(2 * time.Second)
	}
	require.Equal(t, 10, a.Snapshot().HistoryLen)
}

func TestAnalyzer_SurfacesAreIndependent(t *testing.T) {
	t.Parallel()
	a, rec, mClock := newAnalyzer(t, editcycle.Config{
		MinChangeThreshold: 10,
		ProblemThreshold:   2,
		BatchSize:          100,
	})

	a.Observe("html", 100)
	a.Observe("css", 100)

	// One delete on each surface: neither reaches two consecutive
	// edits, even though two deletions happened globally.
	a.Observe("html", 80)
	a.Observe("css", 80)
	mClock.Advance(time.Second)
	a.Observe("html", 120)
	a.Observe("css", 120)
	require.Empty(t, rec.problems)
}

func TestAnalyzer_ResetIsIdempotent(t *testing.T) {
	t.Parallel()
	a, _, mClock := newAnalyzer(t, editcycle.Config{MinChangeThreshold: 10, BatchSize: 100})

	a.Observe("html", 100)
	runCycle(a, mClock, "html", 100, 50, 120)
	require.NotZero(t, a.Snapshot().HistoryLen)

	a.Reset()
	snap := a.Snapshot()
	require.Empty(t, snap.Surfaces)
	require.Zero(t, snap.HistoryLen)
	require.Zero(t, snap.UnsentEdits)

	a.Reset() // no-op
	require.Empty(t, a.Snapshot().Surfaces)

	// After reset the surface re-baselines from empty.
	a.Observe("html", 15)
	require.Equal(t, 15, a.Snapshot().Surfaces["html"].LastLength)
}

func TestAnalyzer_RawBufferBounded(t *testing.T) {
	t.Parallel()
	a, _, _ := newAnalyzer(t, editcycle.Config{MinChangeThreshold: 1000, BufferCap: 8})

	for i := 1; i <= 40; i++ {
		a.Observe("html", i)
	}
	require.Equal(t, 8, a.Snapshot().Surfaces["html"].BufferedSignals)
}
