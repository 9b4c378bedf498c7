// Package alarm implements the sleep/wake queue of spec §4.1: a thread
// sleeps for a tick count and is woken by the timer tick handler. Grounded
// on original_source/src/threads/alarm.c.
package alarm

import (
	"log/slog"

	"github.com/tuannm99/vmkit/internal/sched"
)

const logPrefix = "alarm: "

// Entry is a pending alarm: a thread waiting for wakeTick to arrive. It
// carries the thread reference directly rather than a list-element handle
// — see DESIGN.md's discussion of the Pintos alarm_dismiss oddity this
// resolves.
type Entry struct {
	Owner    sched.ThreadID
	WakeTick int64
}

// Queue is the global pending-alarm list, guarded by the scheduler's
// DisableIntr/SetIntrLevel bracket rather than a lock of its own —
// original_source/src/threads/alarm.c's intr_disable()/intr_set_level()
// pair around alarm_list mutation, carried over directly now that
// sched.Scheduler actually models it.
type Queue struct {
	sched sched.Scheduler

	pending []Entry
}

func New(s sched.Scheduler) *Queue {
	return &Queue{sched: s}
}

// Sleep blocks owner until at least ticks timer ticks have elapsed. A
// non-positive ticks returns immediately, per spec §4.1.
//
// owner is registered as blockable (PrepareBlock) before the wake entry is
// enqueued, and the enqueue itself runs with interrupts disabled — the
// exact "disable interrupts, enqueue, block, restore" sequence of
// original_source's timer_sleep. The PrepareBlock step is what closes the
// gap a plain intr_disable bracket can't: Block itself must run with
// interrupts back on (parking while holding the scheduler's interrupt
// lock would prevent Tick, which also needs that lock, from ever running
// again), so there is a window between the enqueue becoming visible and
// owner actually reaching Block. Without a park entry already registered,
// a Tick landing in that window would call Unblock on a thread that isn't
// parked yet and lose the wakeup for good.
func (q *Queue) Sleep(owner sched.ThreadID, ticks int64) {
	if ticks <= 0 {
		return
	}
	wake := q.sched.Ticks() + ticks

	q.sched.PrepareBlock(owner)

	old := q.sched.DisableIntr()
	q.pending = append(q.pending, Entry{Owner: owner, WakeTick: wake})
	q.sched.SetIntrLevel(old)

	slog.Debug(logPrefix+"sleeping", "owner", owner, "wakeTick", wake)
	q.sched.Block(owner)
}

// Tick is called from the timer interrupt handler; it unblocks every alarm
// whose deadline has passed. The list walk runs with interrupts disabled,
// mirroring alarm.c's timer_interrupt; Unblock itself runs after
// interrupts are restored, since Sleep may be mid-enqueue on another
// goroutine and SetIntrLevel must be able to proceed.
func (q *Queue) Tick() {
	now := q.sched.Ticks()

	old := q.sched.DisableIntr()
	matured := q.pending[:0:0]
	remaining := q.pending[:0]
	for _, e := range q.pending {
		if e.WakeTick <= now {
			matured = append(matured, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	q.pending = remaining
	q.sched.SetIntrLevel(old)

	for _, e := range matured {
		slog.Debug(logPrefix+"waking", "owner", e.Owner, "tick", now)
		q.sched.Unblock(e.Owner)
	}
}

// Pending reports the number of threads currently asleep; exposed for
// tests and the demo CLI, not part of the Pintos interface.
func (q *Queue) Pending() int {
	old := q.sched.DisableIntr()
	defer q.sched.SetIntrLevel(old)
	return len(q.pending)
}
