package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/syncstream/internal/clock"
	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// buildChain returns src ! mid ! sink in a fresh pipeline
func buildChain(t *testing.T, log *transitionLog, opts Options) (*Pipeline, *stubSource, *stubElement, *stubSink) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	p := New(opts)
	src := newStubSource("src", MustParseCaps("video/x-raw"), 3, log)
	mid := newStub("mid", log)
	sink := newStubSink("sink", nil, log)
	require.NoError(t, p.Add(src, mid, sink))
	require.NoError(t, p.LinkMany(src, mid, sink))
	t.Cleanup(func() { p.Dispose(context.Background()) })
	return p, src, mid, sink
}

func collect(p *Pipeline, mask MessageType) (func() []Message, func()) {
	var mu sync.Mutex
	var msgs []Message
	id := p.Bus().Watch(mask, func(msg Message) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
	})
	return func() []Message {
			mu.Lock()
			defer mu.Unlock()
			return append([]Message(nil), msgs...)
		}, func() {
			p.Bus().Unwatch(id)
		}
}

func TestSetState_CurrentStateIsNoop(t *testing.T) {
	log := &transitionLog{}
	p, _, _, _ := buildChain(t, log, Options{})
	ctx := context.Background()

	require.NoError(t, p.SetState(ctx, StateNull))
	assert.Empty(t, log.list())

	require.NoError(t, p.SetState(ctx, StatePaused))
	n := len(log.list())
	require.NoError(t, p.SetState(ctx, StatePaused))
	assert.Len(t, log.list(), n)

	cur, pending := p.State()
	assert.Equal(t, StatePaused, cur)
	assert.Equal(t, StateVoid, pending)
}

func TestSetState_StepOrder(t *testing.T) {
	log := &transitionLog{}
	p, _, _, _ := buildChain(t, log, Options{})
	ctx := context.Background()

	require.NoError(t, p.SetState(ctx, StateReady))
	assert.Equal(t, []string{
		"sink:NULL->READY",
		"mid:NULL->READY",
		"src:NULL->READY",
	}, log.list())

	log.entries = nil
	require.NoError(t, p.SetState(ctx, StateNull))
	assert.Equal(t, []string{
		"src:READY->NULL",
		"mid:READY->NULL",
		"sink:READY->NULL",
	}, log.list())
}

func TestSetState_StepsThroughIntermediateStates(t *testing.T) {
	p, _, _, _ := buildChain(t, nil, Options{Name: "steps"})
	get, stop := collect(p, MessageStateChanged)
	defer stop()

	require.NoError(t, p.SetState(context.Background(), StatePaused))

	assert.Eventually(t, func() bool {
		var own []Message
		for _, m := range get() {
			if m.Source == "steps" {
				own = append(own, m)
			}
		}
		return len(own) == 2 &&
			own[0].OldState == StateNull && own[0].NewState == StateReady && own[0].Pending == StatePaused &&
			own[1].OldState == StateReady && own[1].NewState == StatePaused && own[1].Pending == StateVoid
	}, time.Second, 5*time.Millisecond)
}

func TestSetState_DescendingAlwaysSucceeds(t *testing.T) {
	log := &transitionLog{}
	p, _, mid, _ := buildChain(t, log, Options{})
	ctx := context.Background()
	mid.failOn[PausedToReady] = errDeviceBusy
	mid.failOn[ReadyToNull] = errDeviceBusy

	require.NoError(t, p.SetState(ctx, StatePaused))
	get, stop := collect(p, MessageWarning)
	defer stop()

	require.NoError(t, p.SetState(ctx, StateNull))
	cur, _ := p.State()
	assert.Equal(t, StateNull, cur)
	assert.Eventually(t, func() bool { return len(get()) == 2 }, time.Second, 5*time.Millisecond)

	// already at the target
	require.NoError(t, p.SetState(ctx, StateNull))
}

func TestSetState_AscendingFailureRollsBack(t *testing.T) {
	log := &transitionLog{}
	p, _, mid, _ := buildChain(t, log, Options{})
	mid.failOn[ReadyToPaused] = errDeviceBusy
	get, stop := collect(p, MessageError)
	defer stop()

	err := p.SetState(context.Background(), StatePlaying)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindStateChangeFailure))
	assert.ErrorIs(t, err, errDeviceBusy)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "mid", appErr.Element)

	cur, pending := p.State()
	assert.Equal(t, StateNull, cur)
	assert.Equal(t, StateVoid, pending)

	assert.Equal(t, []string{
		"sink:NULL->READY",
		"mid:NULL->READY",
		"src:NULL->READY",
		"sink:READY->PAUSED",
		"mid:READY->PAUSED",
		// rollback of the failed step, then back to the start state
		"sink:PAUSED->READY",
		"src:READY->NULL",
		"mid:READY->NULL",
		"sink:READY->NULL",
	}, log.list())

	assert.Eventually(t, func() bool { return len(get()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRequestState_PendingIsObservable(t *testing.T) {
	p, _, mid, _ := buildChain(t, nil, Options{})
	mid.block = make(chan struct{})

	done := p.RequestState(context.Background(), StatePlaying)

	assert.Eventually(t, func() bool {
		cur, pending := p.State()
		return cur == StatePaused && pending == StatePlaying
	}, time.Second, 5*time.Millisecond)

	close(mid.block)
	require.NoError(t, <-done)
	cur, pending := p.State()
	assert.Equal(t, StatePlaying, cur)
	assert.Equal(t, StateVoid, pending)
}

func TestUseClock(t *testing.T) {
	p, _, _, _ := buildChain(t, nil, Options{Name: "cam"})
	ctx := context.Background()
	c := clock.NewSystemClock()

	require.NoError(t, p.UseClock(c))
	require.NoError(t, p.SetState(ctx, StatePlaying))
	assert.Contains(t, c.Owners(), p.OwnerID())

	err := p.UseClock(clock.NewSystemClock())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClockChangeWhilePlaying)
	assert.Same(t, c, p.Clock())

	require.NoError(t, p.SetState(ctx, StatePaused))
	other := clock.NewSystemClock()
	require.NoError(t, p.UseClock(other))
	assert.NotContains(t, c.Owners(), p.OwnerID())
	assert.Contains(t, other.Owners(), p.OwnerID())

	require.NoError(t, p.SetState(ctx, StateNull))
	assert.Empty(t, other.Owners())
}

func TestSharedClockAcrossPipelines(t *testing.T) {
	c := clock.NewSystemClock()
	ctx := context.Background()

	a, _, _, _ := buildChain(t, nil, Options{Name: "a"})
	b, _, _, _ := buildChain(t, nil, Options{Name: "b"})
	require.NoError(t, a.UseClock(c))
	require.NoError(t, b.UseClock(c))
	require.NoError(t, a.SetState(ctx, StatePlaying))
	require.NoError(t, b.SetState(ctx, StatePlaying))

	assert.Same(t, a.Clock(), b.Clock())
	assert.ElementsMatch(t, []string{a.OwnerID(), b.OwnerID()}, c.Owners())

	ta := a.BaseTime() + a.RunningTime()
	tb := b.BaseTime() + b.RunningTime()
	assert.Less(t, clock.Offset(ta, tb), 10*time.Millisecond)
}

func TestBaseTimeContinuesAcrossPause(t *testing.T) {
	c := clock.NewSystemClock()
	p, _, _, _ := buildChain(t, nil, Options{})
	require.NoError(t, p.UseClock(c))
	ctx := context.Background()

	require.NoError(t, p.SetState(ctx, StatePlaying))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.SetState(ctx, StatePaused))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.SetState(ctx, StatePlaying))

	running := p.RunningTime()
	assert.GreaterOrEqual(t, running, 20*time.Millisecond)
	assert.Less(t, running, 60*time.Millisecond)
}

func TestExplicitBaseTime(t *testing.T) {
	c := clock.NewSystemClock()
	p, _, _, _ := buildChain(t, nil, Options{})
	require.NoError(t, p.UseClock(c))
	base := c.Time() - time.Second
	p.SetBaseTime(base)

	require.NoError(t, p.SetState(context.Background(), StatePlaying))
	assert.Equal(t, base, p.BaseTime())
}

func TestEOSAggregation(t *testing.T) {
	p := New(Options{Name: "eos", AutoPauseOnEOS: true, Logger: hclog.NewNullLogger()})
	defer p.Dispose(context.Background())

	a := newStubSink("a", nil, nil)
	b := newStubSink("b", nil, nil)
	unrouted := newStubSink("unrouted", nil, nil)
	upA, upB := newStub("up-a", nil), newStub("up-b", nil)
	require.NoError(t, p.Add(upA, upB, a, b, unrouted))
	require.NoError(t, p.Link(upA, a))
	require.NoError(t, p.Link(upB, b))
	get, stop := collect(p, MessageEOS)
	defer stop()

	require.NoError(t, p.SetState(context.Background(), StatePlaying))

	p.ReportEOS("a")
	p.ReportEOS("a")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, get())

	p.ReportEOS("b")
	assert.Eventually(t, func() bool { return len(get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "eos", get()[0].Source)

	assert.Eventually(t, func() bool {
		cur, _ := p.State()
		return cur == StatePaused
	}, time.Second, 5*time.Millisecond)
}

func TestEOSFromStreaming(t *testing.T) {
	p, src, _, sink := buildChain(t, nil, Options{Name: "stream"})
	get, stop := collect(p, MessageEOS)
	defer stop()

	require.NoError(t, p.SetState(context.Background(), StatePlaying))
	<-src.pushed
	assert.Equal(t, 3, sink.received())
	assert.Eventually(t, func() bool { return len(get()) == 1 }, time.Second, 5*time.Millisecond)

	cur, _ := p.State()
	assert.Equal(t, StatePlaying, cur, "EOS is only reported without AutoPauseOnEOS")
}

func TestReportError_Terminal(t *testing.T) {
	p, _, _, _ := buildChain(t, nil, Options{})
	ctx := context.Background()
	require.NoError(t, p.SetState(ctx, StatePlaying))

	p.ReportError("mid", errDeviceBusy)
	cur, _ := p.State()
	assert.Equal(t, StateError, cur)

	err := p.SetState(ctx, StatePlaying)
	assert.ErrorIs(t, err, ErrTerminal)

	require.NoError(t, p.SetState(ctx, StateNull))
	cur, _ = p.State()
	assert.Equal(t, StateNull, cur)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	p, _, _, _ := buildChain(t, nil, Options{Name: "tracked", Registry: reg})
	ctx := context.Background()

	require.NoError(t, p.SetState(ctx, StatePaused))
	assert.Empty(t, reg.Live())
	require.NoError(t, p.SetState(ctx, StatePlaying))
	require.Len(t, reg.Live(), 1)

	reg.ShutdownAll(ctx)
	cur, _ := p.State()
	assert.Equal(t, StateNull, cur)
	assert.Empty(t, reg.Live())
}

type countingObserver struct {
	mu                 sync.Mutex
	tracked, untracked []string
}

func (o *countingObserver) PipelineTracked(p *Pipeline) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracked = append(o.tracked, p.Name())
}

func (o *countingObserver) PipelineUntracked(p *Pipeline) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.untracked = append(o.untracked, p.Name())
}

func TestRegistry_Observers(t *testing.T) {
	reg := NewRegistry()
	obs := &countingObserver{}
	reg.Observe(obs)
	p, _, _, _ := buildChain(t, nil, Options{Name: "observed", Registry: reg})
	ctx := context.Background()

	require.NoError(t, p.SetState(ctx, StatePlaying))
	require.NoError(t, p.SetState(ctx, StatePaused))
	require.NoError(t, p.SetState(ctx, StatePlaying))
	require.NoError(t, p.SetState(ctx, StateNull))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"observed"}, obs.tracked, "replaying does not re-announce")
	assert.Equal(t, []string{"observed"}, obs.untracked)
}

func TestAdd(t *testing.T) {
	p := New(Options{})
	defer p.Dispose(context.Background())

	a := newStub("", nil)
	b := newStub("", nil)
	require.NoError(t, p.Add(a, b))
	assert.Equal(t, "stub0", a.Name())
	assert.Equal(t, "stub1", b.Name())

	err := p.Add(newStub("stub0", nil))
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestLink_Incompatible(t *testing.T) {
	p := New(Options{})
	defer p.Dispose(context.Background())

	src := newStubSource("src", MustParseCaps("audio/x-raw"), 1, nil)
	sink := newStubSink("sink", MustParseCaps("video/x-raw"), nil)
	require.NoError(t, p.Add(src, sink))

	err := p.Link(src, sink)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindLinkConnectionFailed))
	assert.False(t, src.Pad("src").IsLinked())
}
