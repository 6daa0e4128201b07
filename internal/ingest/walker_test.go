package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ama66/datasync/internal/progress"
)

type fetchStep struct {
	res FetchResult
	err error
}

type scriptedFetcher struct {
	steps []fetchStep
	calls []string
}

func (f *scriptedFetcher) FetchPage(_ context.Context, cursor string) (FetchResult, error) {
	f.calls = append(f.calls, cursor)
	if len(f.steps) == 0 {
		return FetchResult{}, errors.New("fetch script exhausted")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.res, step.err
}

type fakeGate struct {
	waits     int
	penalties []time.Duration
}

func (g *fakeGate) Wait(ctx context.Context) error {
	g.waits++
	return ctx.Err()
}

func (g *fakeGate) Penalize(retryAfter time.Duration) time.Time {
	g.penalties = append(g.penalties, retryAfter)
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	return time.Now().Add(retryAfter)
}

type memCheckpoints struct {
	mu       sync.Mutex
	cp       Checkpoint
	saves    []string
	resets   int
	saveErr  error
	resetErr error
}

func (m *memCheckpoints) Load(context.Context) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp, nil
}

func (m *memCheckpoints) Save(_ context.Context, nextCursor string, totalEvents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.cp = Checkpoint{NextCursor: nextCursor, TotalEvents: totalEvents, UpdatedAt: time.Now()}
	m.saves = append(m.saves, nextCursor)
	return nil
}

func (m *memCheckpoints) ResetCursor(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetErr != nil {
		return m.resetErr
	}
	m.resets++
	m.cp.NextCursor = ""
	return nil
}

func (m *memCheckpoints) savedCursors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.saves...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) captured() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Event(nil), c.events...)
}

func okResult(records int, next string, hasMore bool, total int64) FetchResult {
	res := FetchResult{
		StatusCode: 200,
		NextCursor: next,
		HasMore:    hasMore,
		Total:      total,
	}
	for i := 0; i < records; i++ {
		res.Records = append(res.Records, RawEvent{
			ID:        "evt-" + next + "-" + strconv.Itoa(i),
			Type:      "track",
			Timestamp: "2024-01-02T03:04:05Z",
		})
	}
	return res
}

func TestWalkerWalksToEnd(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: okResult(2, "c1", true, 4)},
		{res: okResult(2, "c2", true, 4)},
		{res: okResult(0, "", false, 4)},
	}}
	w := NewWalker(fetcher, &fakeGate{}, &memCheckpoints{}, nil, WalkerConfig{RetryDelay: time.Millisecond}, nil)

	first, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", first.Cursor)
	assert.Equal(t, "c1", first.NextCursor)
	assert.False(t, first.Final)
	assert.EqualValues(t, 4, first.TotalEstimate)
	assert.Len(t, first.Records, 2)

	second, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", second.Cursor)
	assert.Equal(t, "c2", second.NextCursor)

	_, err = w.Next(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
	assert.Equal(t, WalkDone, w.State())

	// Once done, Next short-circuits without touching the upstream.
	_, err = w.Next(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
	assert.Equal(t, []string{"", "c1", "c2"}, fetcher.calls)
}

func TestWalkerFinalPageWithoutCursor(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: okResult(3, "", false, 3)},
	}}
	w := NewWalker(fetcher, &fakeGate{}, &memCheckpoints{}, nil, WalkerConfig{}, nil)

	page, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, page.Final)
	assert.Equal(t, "", page.NextCursor)

	_, err = w.Next(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
	assert.Len(t, fetcher.calls, 1)
}

func TestWalkerStrayCursorOnFinalPage(t *testing.T) {
	t.Parallel()

	// hasMore=false wins over a cursor the upstream left populated.
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: okResult(1, "leftover", false, 1)},
	}}
	w := NewWalker(fetcher, &fakeGate{}, &memCheckpoints{}, nil, WalkerConfig{}, nil)

	page, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, page.Final)
	assert.Equal(t, "", page.NextCursor)
	assert.Equal(t, WalkDone, w.State())
}

func TestWalkerAdoptsTotalOnce(t *testing.T) {
	t.Parallel()

	first := okResult(1, "c1", true, 100)
	second := okResult(1, "", false, 250)
	fetcher := &scriptedFetcher{steps: []fetchStep{{res: first}, {res: second}}}
	w := NewWalker(fetcher, &fakeGate{}, &memCheckpoints{}, nil, WalkerConfig{}, nil)

	p1, err := w.Next(context.Background())
	require.NoError(t, err)
	p2, err := w.Next(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 100, p1.TotalEstimate)
	assert.EqualValues(t, 100, p2.TotalEstimate)
	assert.EqualValues(t, 100, w.TotalEstimate())
}

func TestWalkerThrottleRetriesSameCursor(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: FetchResult{StatusCode: 429, RetryAfter: 50 * time.Millisecond}},
		{res: okResult(1, "", false, 1)},
	}}
	gate := &fakeGate{}
	emitter := &captureEmitter{}
	w := NewWalker(fetcher, gate, &memCheckpoints{}, emitter, WalkerConfig{RunID: [16]byte{7}}, nil)

	page, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)

	assert.Equal(t, []string{"", ""}, fetcher.calls)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, gate.penalties)
	require.Len(t, emitter.events, 1)
	assert.Equal(t, progress.StageThrottled, emitter.events[0].Stage)
	assert.Equal(t, [16]byte{7}, emitter.events[0].RunID)
	assert.Greater(t, emitter.events[0].Dur, time.Duration(0))
}

func TestWalkerExpiredCursorRestarts(t *testing.T) {
	t.Parallel()

	checkpoints := &memCheckpoints{cp: Checkpoint{NextCursor: "stale", TotalEvents: 9}}
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: FetchResult{StatusCode: 400}},
		{res: okResult(1, "", false, 1)},
	}}
	emitter := &captureEmitter{}
	w := NewWalker(fetcher, &fakeGate{}, checkpoints, emitter, WalkerConfig{}, nil)
	require.NoError(t, w.Restore(context.Background()))

	page, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", page.Cursor)

	assert.Equal(t, []string{"stale", ""}, fetcher.calls)
	assert.Equal(t, 1, checkpoints.resets)
	assert.Equal(t, 1, w.Resets())
	require.Len(t, emitter.events, 1)
	assert.Equal(t, progress.StageCursorReset, emitter.events[0].Stage)
	assert.Equal(t, "stale", emitter.events[0].Cursor)
}

func TestWalkerCursorlessBadRequestFatal(t *testing.T) {
	t.Parallel()

	checkpoints := &memCheckpoints{}
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: FetchResult{StatusCode: 400}},
	}}
	w := NewWalker(fetcher, &fakeGate{}, checkpoints, nil, WalkerConfig{}, nil)

	_, err := w.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected start-of-stream")
	assert.Zero(t, checkpoints.resets)
}

func TestWalkerResetFailureIsFatal(t *testing.T) {
	t.Parallel()

	checkpoints := &memCheckpoints{
		cp:       Checkpoint{NextCursor: "stale"},
		resetErr: errors.New("db down"),
	}
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: FetchResult{StatusCode: 400}},
	}}
	w := NewWalker(fetcher, &fakeGate{}, checkpoints, nil, WalkerConfig{}, nil)
	require.NoError(t, w.Restore(context.Background()))

	_, err := w.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reset checkpoint cursor")
}

func TestWalkerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: FetchResult{StatusCode: 503, Snippet: "upstream restarting"}},
		{err: errors.New("connection refused")},
		{res: FetchResult{StatusCode: 504}},
		{res: okResult(1, "", false, 1)},
	}}
	w := NewWalker(fetcher, &fakeGate{}, &memCheckpoints{}, nil, WalkerConfig{RetryDelay: time.Millisecond}, nil)

	page, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Equal(t, []string{"", "", "", ""}, fetcher.calls)
}

func TestWalkerMalformedResponseFatal(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{err: fmt.Errorf("%w: decode page: unexpected EOF", ErrMalformedResponse)},
	}}
	w := NewWalker(fetcher, &fakeGate{}, &memCheckpoints{}, nil, WalkerConfig{}, nil)

	_, err := w.Next(context.Background())
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Len(t, fetcher.calls, 1)
}

func TestWalkerFatalStatus(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: FetchResult{StatusCode: 401, Snippet: `{"error":"invalid api key"}`}},
	}}
	w := NewWalker(fetcher, &fakeGate{}, &memCheckpoints{}, nil, WalkerConfig{}, nil)

	_, err := w.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestWalkerContextCancelsRetryWait(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: FetchResult{StatusCode: 503}},
	}}
	w := NewWalker(fetcher, &fakeGate{}, &memCheckpoints{}, nil, WalkerConfig{RetryDelay: time.Minute}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWalkerRestoreResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	checkpoints := &memCheckpoints{cp: Checkpoint{NextCursor: "resume-here", TotalEvents: 42}}
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: okResult(1, "", false, 0)},
	}}
	w := NewWalker(fetcher, &fakeGate{}, checkpoints, nil, WalkerConfig{}, nil)
	require.NoError(t, w.Restore(context.Background()))

	assert.Equal(t, "resume-here", w.Cursor())
	assert.EqualValues(t, 42, w.TotalEstimate())

	page, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "resume-here", page.Cursor)
	// No fresh total from upstream, the checkpointed estimate holds.
	assert.EqualValues(t, 42, page.TotalEstimate)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want responseClass
	}{
		{200, classOK},
		{204, classOK},
		{400, classCursorExpired},
		{429, classThrottled},
		{502, classTransient},
		{503, classTransient},
		{504, classTransient},
		{401, classFatal},
		{404, classFatal},
		{500, classFatal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyStatus(tc.code), "status %d", tc.code)
	}
}
