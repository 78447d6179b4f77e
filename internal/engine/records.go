package engine

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/procomm/phonebridge/internal/database/models"
	"github.com/procomm/phonebridge/internal/line"
)

// recordTimeout bounds a single call record write.
const recordTimeout = 5 * time.Second

// finishCall closes the line's session after it left an active state. The
// caller holds s.mu.
func (e *Engine) finishCall(s *slot, from line.State, channel int) {
	c := s.call
	if c == nil {
		return
	}
	s.call = nil
	e.untrackCall(c.callID)

	disposition := c.disposition
	switch {
	case s.line.State() == line.StateError:
		disposition = models.DispositionFailed
	case disposition != "":
	case from == line.StateConnected:
		disposition = models.DispositionAnswered
	default:
		disposition = models.DispositionCancelled
	}
	e.countCall(disposition)

	end := e.now()
	rec := &models.CallRecord{
		CallID:       c.callID,
		LineID:       s.line.ID(),
		Direction:    string(c.direction),
		RemoteNumber: c.number,
		AudioChannel: channel,
		StartTime:    c.startedAt,
		EndTime:      end,
		Disposition:  disposition,
		HangupCause:  c.cause,
	}
	if !c.answeredAt.IsZero() {
		at := c.answeredAt
		rec.AnswerTime = &at
		rec.Duration = int(end.Sub(at) / time.Second)
	}

	e.enqueueRecord(rec)
}

func (e *Engine) enqueueRecord(rec *models.CallRecord) {
	if e.recorder == nil {
		return
	}

	e.recMu.Lock()
	defer e.recMu.Unlock()
	if e.recClosed {
		return
	}
	select {
	case e.records <- rec:
	default:
		e.logger.Warn("call record queue full, dropping record", "call_id", rec.CallID, "line", rec.LineID)
	}
}

// recordWriter drains the record queue until it is closed.
func (e *Engine) recordWriter() {
	defer e.recWG.Done()
	for rec := range e.records {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := e.recorder.RecordCall(ctx, rec); err != nil {
			e.logger.Error("writing call record", "call_id", rec.CallID, "line", rec.LineID, "error", err)
		}
		cancel()
	}
}

// closeRecords stops accepting records and waits for queued ones to be
// written.
func (e *Engine) closeRecords() {
	e.recMu.Lock()
	if !e.recClosed {
		e.recClosed = true
		close(e.records)
	}
	e.recMu.Unlock()
	e.recWG.Wait()
}

func (e *Engine) countCall(disposition string) {
	v, _ := e.callTotals.LoadOrStore(disposition, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// CallTotal pairs a disposition with the number of calls that ended with it.
type CallTotal struct {
	Disposition string
	Count       uint64
}

// CallTotals returns the count of finished calls per disposition since
// startup, sorted by disposition.
func (e *Engine) CallTotals() []CallTotal {
	var out []CallTotal
	e.callTotals.Range(func(k, v any) bool {
		out = append(out, CallTotal{Disposition: k.(string), Count: v.(*atomic.Uint64).Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Disposition < out[j].Disposition })
	return out
}
