package chain

import "time"

// record is the per-sigKey chain state from spec §3: a fixed set of
// message slots (last-writer-wins) plus a monotonically-advancing set
// of progress flags. No flag is ever cleared once set.
type record struct {
	createdAt time.Time
	lastTouch time.Time

	cancelMsg *Message
	enterMsg  *Message
	batchMsg  *Message

	didCancel    bool
	didEnterPrep bool
	didEnter     bool
	didBatch     bool
}

func newRecord(now time.Time) *record {
	return &record{createdAt: now, lastTouch: now}
}

// store last-writer-wins assigns msg into the slot for its action.
func (r *record) store(msg *Message) {
	switch msg.Action {
	case ActionCancal:
		r.cancelMsg = msg
	case ActionEnter:
		r.enterMsg = msg
	case ActionBatchTPS:
		r.batchMsg = msg
	}
}

func (r *record) have() map[string]bool {
	return map[string]bool{
		"CANCAL":    r.cancelMsg != nil,
		"ENTER":     r.enterMsg != nil,
		"BATCH_TPS": r.batchMsg != nil,
	}
}

func (r *record) did() map[string]bool {
	return map[string]bool{
		"cancel":     r.didCancel,
		"enterPrep":  r.didEnterPrep,
		"enter":      r.didEnter,
		"batch":      r.didBatch,
	}
}

func (r *record) terminal() bool {
	return r.didCancel && r.didEnter && r.didBatch
}
