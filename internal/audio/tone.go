package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/zaf/g711"

	"github.com/procomm/phonebridge/internal/line"
)

// payloadTypePCMU is the static RTP payload type for G.711 µ-law.
const payloadTypePCMU = 0

// ToneConfig sets the test tone's pitch and level.
type ToneConfig struct {
	FrequencyHz float64
	LevelDBFS   float64
}

// DefaultToneConfig is a 1 kHz line-up tone at -12 dBFS.
var DefaultToneConfig = ToneConfig{FrequencyHz: 1000, LevelDBFS: -12}

func (c ToneConfig) withDefaults() ToneConfig {
	if c.FrequencyHz <= 0 || c.FrequencyHz >= sampleRate/2 {
		c.FrequencyHz = DefaultToneConfig.FrequencyHz
	}
	if c.LevelDBFS == 0 || c.LevelDBFS > 0 {
		c.LevelDBFS = DefaultToneConfig.LevelDBFS
	}
	return c
}

// amplitude converts the dBFS level into a 16-bit peak value.
func (c ToneConfig) amplitude() float64 {
	return 32767.0 * math.Pow(10, c.LevelDBFS/20)
}

// toneState is the running tone. The phase carries across frames so the
// sine stays continuous.
type toneState struct {
	channel int
	phase   float64
	seq     uint16
	ts      uint32
	ssrc    uint32
	sent    uint64
}

// StartContinuousTone starts the test tone on channel (1-8). An active tone
// on any channel is replaced.
func (r *Router) StartContinuousTone(channel int) error {
	if channel < 1 || channel > line.MaxChannel {
		return fmt.Errorf("tone channel %d out of range: %w", channel, line.ErrInvalidArgument)
	}

	r.toneMu.Lock()
	defer r.toneMu.Unlock()

	if r.tone != nil {
		r.logger.Info("test tone replaced", "old_channel", r.tone.channel, "new_channel", channel)
	}
	r.tone = &toneState{
		channel: channel,
		seq:     uint16(rand.Uint32()),
		ts:      rand.Uint32(),
		ssrc:    rand.Uint32(),
	}
	r.logger.Info("test tone started",
		"channel", channel,
		"frequency_hz", r.toneCfg.FrequencyHz,
		"level_dbfs", r.toneCfg.LevelDBFS,
	)
	return nil
}

// StopContinuousTone stops the active tone. It is a no-op when none is
// running.
func (r *Router) StopContinuousTone() {
	r.toneMu.Lock()
	defer r.toneMu.Unlock()

	if r.tone == nil {
		return
	}
	r.logger.Info("test tone stopped", "channel", r.tone.channel, "packets", r.tone.sent)
	r.tone = nil
}

// ToneChannel returns the channel carrying the tone, 0 when none.
func (r *Router) ToneChannel() int {
	r.toneMu.Lock()
	defer r.toneMu.Unlock()
	if r.tone == nil {
		return 0
	}
	return r.tone.channel
}

// ToneActive reports whether a tone is running.
func (r *Router) ToneActive() bool {
	return r.ToneChannel() != 0
}

// toneTick emits one tone frame to the tone's channel sink.
func (r *Router) toneTick() {
	r.toneMu.Lock()
	t := r.tone
	if t == nil {
		r.toneMu.Unlock()
		return
	}
	pkt, err := t.nextPacket(r.toneCfg)
	w := r.outputs[t.channel]
	r.toneMu.Unlock()

	if err != nil {
		r.logger.Error("building tone packet", "error", err)
		return
	}
	if w == nil {
		return
	}
	if _, err := w.Write(pkt); err != nil {
		r.logger.Debug("writing tone packet", "channel", t.channel, "error", err)
	}
}

// nextPacket synthesizes the next 20ms of tone and wraps it in RTP.
func (t *toneState) nextPacket(cfg ToneConfig) ([]byte, error) {
	pcm := generateSine(cfg.FrequencyHz, cfg.amplitude(), samplesPerPacket, &t.phase)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         t.sent == 0,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
			SSRC:           t.ssrc,
		},
		Payload: g711.EncodeUlaw(pcm),
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal tone packet: %w", err)
	}

	t.seq++
	t.ts += samplesPerPacket
	t.sent++
	return data, nil
}

// generateSine returns n samples of 16-bit little-endian PCM at 8kHz,
// starting at *phase and advancing it.
func generateSine(frequencyHz, peak float64, n int, phase *float64) []byte {
	step := 2.0 * math.Pi * frequencyHz / sampleRate
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(peak * math.Sin(*phase))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
		*phase += step
		if *phase >= 2*math.Pi {
			*phase -= 2 * math.Pi
		}
	}
	return pcm
}
