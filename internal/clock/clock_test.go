package clock

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// shiftedClock reports another clock's time moved by a fixed amount
type shiftedClock struct {
	Clock
	shift time.Duration
}

func (c shiftedClock) Time() time.Duration { return c.Clock.Time() + c.shift }

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func fastOptions() Options {
	return Options{
		Kind:          KindNet,
		Address:       "127.0.0.1",
		QueryTimeout:  300 * time.Millisecond,
		BurstInterval: 5 * time.Millisecond,
		PollInterval:  50 * time.Millisecond,
		WindowSize:    8,
		MinSamples:    3,
		SyncThreshold: 20 * time.Millisecond,
		MaxRTT:        200 * time.Millisecond,
		Logger:        hclog.NewNullLogger(),
	}
}

func TestSystemClock(t *testing.T) {
	c := NewSystemClock()
	assert.True(t, c.Synced())
	assert.NoError(t, c.WaitForSync(context.Background()))
	assert.NotEmpty(t, c.ID())

	prev := c.Time()
	for i := 0; i < 1000; i++ {
		now := c.Time()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}

	wall := time.Duration(time.Now().UnixNano())
	assert.InDelta(t, float64(wall), float64(c.Time()), float64(50*time.Millisecond))
}

func TestOwners(t *testing.T) {
	c := NewSystemClock()
	c.Retain("pipeline-b")
	c.Retain("pipeline-a")
	c.Retain("pipeline-a")
	assert.Equal(t, []string{"pipeline-a", "pipeline-b"}, c.Owners())

	c.Release("pipeline-a")
	assert.Equal(t, []string{"pipeline-a", "pipeline-b"}, c.Owners())
	c.Release("pipeline-a")
	c.Release("pipeline-b")
	assert.Empty(t, c.Owners())

	// releasing an unknown owner is harmless
	c.Release("nobody")
	assert.Empty(t, c.Owners())
}

func TestEstimator(t *testing.T) {
	t.Run("uses lowest rtt half", func(t *testing.T) {
		e := newEstimator(8, time.Second)
		e.add(Sample{Offset: 100 * time.Millisecond, RTT: 90 * time.Millisecond})
		e.add(Sample{Offset: 10 * time.Millisecond, RTT: 2 * time.Millisecond})
		e.add(Sample{Offset: 12 * time.Millisecond, RTT: 3 * time.Millisecond})
		e.add(Sample{Offset: -80 * time.Millisecond, RTT: 80 * time.Millisecond})

		offset, spread, ok := e.estimate()
		require.True(t, ok)
		assert.Equal(t, 11*time.Millisecond, offset)
		assert.Equal(t, 2*time.Millisecond, spread)
	})

	t.Run("rejects slow samples", func(t *testing.T) {
		e := newEstimator(4, 50*time.Millisecond)
		assert.False(t, e.add(Sample{RTT: 51 * time.Millisecond}))
		assert.False(t, e.add(Sample{RTT: -1}))
		assert.True(t, e.add(Sample{RTT: 50 * time.Millisecond}))
		assert.Equal(t, 1, e.len())
	})

	t.Run("window slides", func(t *testing.T) {
		e := newEstimator(2, time.Second)
		e.add(Sample{Offset: time.Second, RTT: time.Millisecond})
		e.add(Sample{Offset: 2 * time.Millisecond, RTT: time.Millisecond})
		e.add(Sample{Offset: 4 * time.Millisecond, RTT: time.Millisecond})
		assert.Equal(t, 2, e.len())

		offset, _, ok := e.estimate()
		require.True(t, ok)
		assert.Equal(t, 2*time.Millisecond, offset)
	})

	t.Run("empty", func(t *testing.T) {
		_, _, ok := newEstimator(4, time.Second).estimate()
		assert.False(t, ok)
	})
}

func TestTimePacket(t *testing.T) {
	p := timePacket{local: 42 * time.Second}
	decoded, err := unmarshalTimePacket(p.marshal())
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, decoded.local)
	assert.False(t, decoded.hasRem)

	_, err = unmarshalTimePacket(make([]byte, 8))
	assert.Error(t, err)
}

func TestNew_UnreachableAuthority(t *testing.T) {
	opts := fastOptions()
	opts.Port = freeUDPPort(t)

	c, err := New(context.Background(), opts)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.True(t, apperrors.IsKind(err, apperrors.KindClockUnavailable))
	assert.ErrorIs(t, err, apperrors.ErrClockUnavailable)
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(context.Background(), Options{Kind: "sundial"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestNetworkClock_SyncsToProvider(t *testing.T) {
	remote := shiftedClock{Clock: NewSystemClock(), shift: 5 * time.Second}
	provider, err := NewTimeProvider(remote, "127.0.0.1:0", hclog.NewNullLogger())
	require.NoError(t, err)
	defer provider.Close()

	var synced atomic.Bool
	opts := fastOptions()
	opts.Port = provider.Addr().Port
	opts.OnSync = func(_ string, offset, spread time.Duration) { synced.Store(true) }

	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForSync(ctx))
	assert.True(t, c.Synced())
	assert.Eventually(t, synced.Load, time.Second, 5*time.Millisecond)

	diff := Offset(c.Time(), remote.Time())
	assert.Less(t, diff, 50*time.Millisecond, "local %v remote %v", c.Time(), remote.Time())
}

func TestNetworkClock_SyncDuringNewReportsClockID(t *testing.T) {
	provider, err := NewTimeProvider(NewSystemClock(), "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer provider.Close()

	// one sample is enough, so the clock syncs inside New
	ids := make(chan string, 1)
	opts := fastOptions()
	opts.Port = provider.Addr().Port
	opts.MinSamples = 1
	opts.OnSync = func(id string, offset, spread time.Duration) { ids <- id }

	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.Synced())
	select {
	case id := <-ids:
		assert.Equal(t, c.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("sync was not reported")
	}
}

func TestNetworkClock_ReadersAgree(t *testing.T) {
	remote := NewSystemClock()
	provider, err := NewTimeProvider(remote, "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer provider.Close()

	opts := fastOptions()
	opts.Port = provider.Addr().Port
	a, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.WaitForSync(ctx))
	require.NoError(t, b.WaitForSync(ctx))

	var wg sync.WaitGroup
	readings := make([]time.Duration, 2)
	for i, c := range []Clock{a, b} {
		wg.Add(1)
		go func(i int, c Clock) {
			defer wg.Done()
			readings[i] = c.Time()
		}(i, c)
	}
	wg.Wait()
	assert.Less(t, Offset(readings[0], readings[1]), 50*time.Millisecond)
}

func TestNetworkClock_NeverGoesBackwards(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context) (Sample, error) {
		if calls.Add(1) == 1 {
			return Sample{Offset: time.Second, RTT: 50 * time.Millisecond}, nil
		}
		return Sample{Offset: -time.Second, RTT: time.Millisecond}, nil
	})

	opts := fastOptions()
	opts.WindowSize = 4
	opts.MinSamples = 2
	c, err := NewNetworkClock(context.Background(), src, opts)
	require.NoError(t, err)
	defer c.Close()

	before := c.Time()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForSync(ctx))

	prev := before
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		now := c.Time()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestNetworkClock_WaitForSyncTimeout(t *testing.T) {
	var flip atomic.Bool
	src := SourceFunc(func(ctx context.Context) (Sample, error) {
		// alternating offsets keep the spread above threshold
		if flip.Load() {
			flip.Store(false)
			return Sample{Offset: time.Second, RTT: time.Millisecond}, nil
		}
		flip.Store(true)
		return Sample{Offset: -time.Second, RTT: time.Millisecond}, nil
	})

	c, err := NewNetworkClock(context.Background(), src, fastOptions())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.WaitForSync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.False(t, c.Synced())
}

func TestNetworkClock_CloseBeforeSync(t *testing.T) {
	var flip atomic.Bool
	src := SourceFunc(func(ctx context.Context) (Sample, error) {
		v := flip.Load()
		flip.Store(!v)
		if v {
			return Sample{Offset: time.Second, RTT: time.Millisecond}, nil
		}
		return Sample{Offset: -time.Second, RTT: time.Millisecond}, nil
	})
	c, err := NewNetworkClock(context.Background(), src, fastOptions())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.WaitForSync(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrClosed)
}
