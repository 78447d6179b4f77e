package audio

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procomm/phonebridge/internal/line"
	"github.com/procomm/phonebridge/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ev notify.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events...)
}

type packetSink struct {
	mu      sync.Mutex
	packets [][]byte
}

func (s *packetSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	s.packets = append(s.packets, bytes.Clone(b))
	s.mu.Unlock()
	return len(b), nil
}

func (s *packetSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *packetSink) first() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.packets) == 0 {
		return nil
	}
	return s.packets[0]
}

func newTestRouter(outputs map[int]io.Writer) (*Router, *recordingPublisher) {
	pub := &recordingPublisher{}
	return NewRouter(pub, outputs, DefaultToneConfig, testLogger()), pub
}

func TestRouter_InitialTableHasAllLinesUnrouted(t *testing.T) {
	r, _ := newTestRouter(nil)
	table := r.Table()
	require.Len(t, table, line.NumLines)
	for id := 1; id <= line.NumLines; id++ {
		assert.Zero(t, table[id])
	}
}

func TestRouter_RouteAndNotify(t *testing.T) {
	r, pub := newTestRouter(nil)

	displaced, err := r.RouteLineToChannel(3, 5)
	require.NoError(t, err)
	assert.Zero(t, displaced)
	assert.Equal(t, 5, r.ChannelFor(3))

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventRouteChange, events[0].Type)
	assert.Equal(t, 3, events[0].LineID)
	assert.Equal(t, 5, events[0].Channel)
}

func TestRouter_DisplacementNotifiesDisplacedLineFirst(t *testing.T) {
	r, pub := newTestRouter(nil)

	_, err := r.RouteLineToChannel(1, 4)
	require.NoError(t, err)
	displaced, err := r.RouteLineToChannel(2, 4)
	require.NoError(t, err)

	assert.Equal(t, 1, displaced)
	assert.Zero(t, r.ChannelFor(1))
	assert.Equal(t, 4, r.ChannelFor(2))

	events := pub.all()
	require.Len(t, events, 3)
	assert.Equal(t, 1, events[1].LineID)
	assert.Zero(t, events[1].Channel)
	assert.Equal(t, 2, events[2].LineID)
	assert.Equal(t, 4, events[2].Channel)
}

func TestRouter_RejectsInvalidArguments(t *testing.T) {
	r, pub := newTestRouter(nil)

	tests := []struct {
		line, channel int
	}{
		{0, 1}, {9, 1}, {1, 0}, {1, 9}, {1, -1},
	}
	for _, tt := range tests {
		_, err := r.RouteLineToChannel(tt.line, tt.channel)
		assert.ErrorIs(t, err, line.ErrInvalidArgument, "line %d channel %d", tt.line, tt.channel)
	}
	assert.ErrorIs(t, r.UnrouteLine(9), line.ErrInvalidArgument)
	assert.Empty(t, pub.all())
	for _, ch := range r.Table() {
		assert.Zero(t, ch)
	}
}

func TestRouter_UnrouteIsIdempotent(t *testing.T) {
	r, pub := newTestRouter(nil)

	_, err := r.RouteLineToChannel(6, 2)
	require.NoError(t, err)

	require.NoError(t, r.UnrouteLine(6))
	after := r.Table()
	require.NoError(t, r.UnrouteLine(6))
	assert.Equal(t, after, r.Table())

	events := pub.all()
	require.Len(t, events, 3)
	assert.Zero(t, events[2].Channel)
}

func TestRouter_ExclusivityUnderRandomOperations(t *testing.T) {
	r, _ := newTestRouter(nil)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		id := 1 + rng.Intn(line.NumLines)
		if rng.Intn(4) == 0 {
			require.NoError(t, r.UnrouteLine(id))
		} else {
			_, err := r.RouteLineToChannel(id, 1+rng.Intn(line.MaxChannel))
			require.NoError(t, err)
		}
		assertExclusive(t, r.Table())
	}
}

func TestRouter_ExclusivityUnderConcurrentOperations(t *testing.T) {
	r, _ := newTestRouter(nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				_, _ = r.RouteLineToChannel(1+rng.Intn(line.NumLines), 1+rng.Intn(line.MaxChannel))
				assertExclusive(t, r.Table())
			}
		}(int64(g))
	}
	wg.Wait()
}

func assertExclusive(t *testing.T, table map[int]int) {
	t.Helper()
	seen := make(map[int]int)
	for id, ch := range table {
		if ch == 0 {
			continue
		}
		if other, ok := seen[ch]; ok {
			t.Errorf("channel %d held by lines %d and %d", ch, other, id)
			return
		}
		seen[ch] = id
	}
}

func TestRouter_UnrouteAll(t *testing.T) {
	r, pub := newTestRouter(nil)
	_, _ = r.RouteLineToChannel(1, 1)
	_, _ = r.RouteLineToChannel(2, 2)

	r.UnrouteAll()
	for _, ch := range r.Table() {
		assert.Zero(t, ch)
	}
	assert.Len(t, pub.all(), 4)
}

func TestRouter_ForwardOnlyRoutedLines(t *testing.T) {
	sink := &packetSink{}
	r, _ := newTestRouter(map[int]io.Writer{3: sink})

	r.Forward(1, []byte{1})
	assert.Zero(t, sink.count())

	_, _ = r.RouteLineToChannel(1, 3)
	r.Forward(1, []byte{1})
	r.Forward(2, []byte{2})
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, uint64(1), r.Forwarded())
}

func TestRouter_StartStop(t *testing.T) {
	r, _ := newTestRouter(nil)
	assert.False(t, r.IsRunning())

	r.Start(context.Background())
	r.Start(context.Background())
	assert.True(t, r.IsRunning())

	r.Stop()
	assert.False(t, r.IsRunning())
	r.Stop()
}

func TestRouter_StopsWhenContextCancelled(t *testing.T) {
	r, _ := newTestRouter(nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	require.Eventually(t, func() bool { return !r.IsRunning() }, time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestRouter_ReleaseLineOnlyNotifiesWhenRouted(t *testing.T) {
	r, pub := newTestRouter(nil)

	assert.False(t, r.ReleaseLine(2))
	assert.Empty(t, pub.all())

	_, _ = r.RouteLineToChannel(2, 7)
	assert.True(t, r.ReleaseLine(2))
	assert.Zero(t, r.ChannelFor(2))
	assert.Len(t, pub.all(), 2)
}
