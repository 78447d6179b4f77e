package audio

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procomm/phonebridge/internal/line"
)

func TestTone_ReplaceKeepsAtMostOneActive(t *testing.T) {
	ch2, ch6 := &packetSink{}, &packetSink{}
	r, _ := newTestRouter(map[int]io.Writer{2: ch2, 6: ch6})

	require.NoError(t, r.StartContinuousTone(2))
	assert.Equal(t, 2, r.ToneChannel())

	require.NoError(t, r.StartContinuousTone(6))
	assert.Equal(t, 6, r.ToneChannel())

	r.toneTick()
	r.toneTick()
	assert.Zero(t, ch2.count(), "replaced tone must not keep emitting")
	assert.Equal(t, 2, ch6.count())
}

func TestTone_StopIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(nil)

	r.StopContinuousTone()
	assert.False(t, r.ToneActive())

	require.NoError(t, r.StartContinuousTone(1))
	r.StopContinuousTone()
	r.StopContinuousTone()
	assert.False(t, r.ToneActive())
	assert.Zero(t, r.ToneChannel())
}

func TestTone_RejectsInvalidChannel(t *testing.T) {
	r, _ := newTestRouter(nil)
	for _, ch := range []int{0, 9, -3} {
		assert.ErrorIs(t, r.StartContinuousTone(ch), line.ErrInvalidArgument)
	}
	assert.False(t, r.ToneActive())
}

func TestTone_IndependentOfRouting(t *testing.T) {
	r, pub := newTestRouter(nil)
	_, _ = r.RouteLineToChannel(4, 3)

	require.NoError(t, r.StartContinuousTone(3))
	assert.Equal(t, 3, r.ChannelFor(4))
	assert.Len(t, pub.all(), 1)
}

func TestTone_OwnsChannelWhileActive(t *testing.T) {
	sink := &packetSink{}
	other := &packetSink{}
	r, _ := newTestRouter(map[int]io.Writer{3: sink, 4: other})
	_, _ = r.RouteLineToChannel(1, 3)
	_, _ = r.RouteLineToChannel(2, 4)
	require.NoError(t, r.StartContinuousTone(3))

	r.Forward(1, []byte{0x80, 0x00})
	r.Forward(1, []byte{0x80, 0x00})
	r.Forward(2, []byte{0x80, 0x00})
	r.toneTick()

	// Only the tone stream reaches channel 3.
	require.Equal(t, 1, sink.count())
	var p rtp.Packet
	require.NoError(t, p.Unmarshal(sink.first()))
	assert.Equal(t, uint8(payloadTypePCMU), p.PayloadType)
	assert.Len(t, p.Payload, samplesPerPacket)
	assert.Equal(t, uint64(2), r.Preempted())

	// Other channels are unaffected.
	assert.Equal(t, 1, other.count())
	assert.Equal(t, uint64(1), r.Forwarded())

	// The call audio resumes once the tone stops.
	r.StopContinuousTone()
	r.Forward(1, []byte{0x80, 0x00})
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, uint64(2), r.Preempted())
}

func TestTone_PacketsAreSequentialPCMU(t *testing.T) {
	sink := &packetSink{}
	r, _ := newTestRouter(map[int]io.Writer{5: sink})
	require.NoError(t, r.StartContinuousTone(5))

	for i := 0; i < 3; i++ {
		r.toneTick()
	}

	sink.mu.Lock()
	raw := append([][]byte(nil), sink.packets...)
	sink.mu.Unlock()
	require.Len(t, raw, 3)

	var prev rtp.Packet
	for i, b := range raw {
		var p rtp.Packet
		require.NoError(t, p.Unmarshal(b))
		assert.Equal(t, uint8(2), p.Version)
		assert.Equal(t, uint8(payloadTypePCMU), p.PayloadType)
		assert.Len(t, p.Payload, samplesPerPacket)
		assert.Equal(t, i == 0, p.Marker)
		if i > 0 {
			assert.Equal(t, prev.SequenceNumber+1, p.SequenceNumber)
			assert.Equal(t, prev.Timestamp+samplesPerPacket, p.Timestamp)
			assert.Equal(t, prev.SSRC, p.SSRC)
		}
		prev = p
	}
}

func TestTone_FrameLoopEmits(t *testing.T) {
	sink := &packetSink{}
	r, _ := newTestRouter(map[int]io.Writer{1: sink})
	require.NoError(t, r.StartContinuousTone(1))

	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, sink.first())
}

func TestGenerateSine_LevelAndContinuity(t *testing.T) {
	cfg := DefaultToneConfig
	peak := cfg.amplitude()
	assert.InDelta(t, 32767*0.2512, peak, 1)

	var phase float64
	a := generateSine(cfg.FrequencyHz, peak, samplesPerPacket, &phase)
	b := generateSine(cfg.FrequencyHz, peak, samplesPerPacket, &phase)

	var maxAbs float64
	for i := 0; i < samplesPerPacket; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(a[i*2:])))
		maxAbs = math.Max(maxAbs, math.Abs(s))
	}
	assert.InDelta(t, peak, maxAbs, 2)

	// 1kHz at 8kHz repeats every 8 samples, so frame b starts where a did.
	for i := 0; i < 8; i++ {
		sa := float64(int16(binary.LittleEndian.Uint16(a[i*2:])))
		sb := float64(int16(binary.LittleEndian.Uint16(b[i*2:])))
		assert.InDelta(t, sa, sb, 1, "sample %d", i)
	}
}

func TestToneConfig_Defaults(t *testing.T) {
	got := ToneConfig{}.withDefaults()
	assert.Equal(t, DefaultToneConfig, got)

	got = ToneConfig{FrequencyHz: 440, LevelDBFS: -20}.withDefaults()
	assert.Equal(t, 440.0, got.FrequencyHz)
	assert.Equal(t, -20.0, got.LevelDBFS)

	got = ToneConfig{FrequencyHz: 5000}.withDefaults()
	assert.Equal(t, DefaultToneConfig.FrequencyHz, got.FrequencyHz)
}
