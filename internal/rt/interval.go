package rt

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/transport"
)

// IntervalAction wraps an action that fires every alarmInterval seconds of
// wall time. nextFire counts down as elapsed time is applied.
type IntervalAction struct {
	alarmInterval uint32
	nextFire      uint32
	action        Action
}

// NewIntervalAction pairs an interval with an action.
func NewIntervalAction(intervalSeconds uint32, action Action) *IntervalAction {
	return &IntervalAction{
		alarmInterval: intervalSeconds,
		nextFire:      intervalSeconds,
		action:        action,
	}
}

// NextFire returns the seconds until this interval is due.
func (ia *IntervalAction) NextFire() uint32 { return ia.nextFire }

// Begin forwards the start time, offset by the first interval.
func (ia *IntervalAction) Begin(start time.Time) {
	ia.action.Begin(start.Add(time.Duration(ia.alarmInterval) * time.Second))
}

// Apply advances the interval by elapsed seconds, firing the action when it
// comes due and resetting the countdown.
func (ia *IntervalAction) Apply(elapsed uint32) {
	if ia.nextFire <= elapsed {
		ia.nextFire = ia.alarmInterval
		ia.action.Execute()
	} else {
		ia.nextFire -= elapsed
	}
}

// AlarmManager multiplexes all registered interval actions onto a single OS
// alarm armed for the nearest next fire. When the alarm goes off, rank 0
// thread 0 measures the elapsed wall time and shares it across ranks so
// every partition advances its intervals identically.
type AlarmManager struct {
	control SimulationControl

	mu        sync.Mutex
	intervals []*IntervalAction
	lastTime  time.Time
	timer     *time.Timer

	// isManager is true on rank 0 thread 0, which owns the OS alarm.
	isManager  bool
	rankLeader bool

	// fire is invoked when the alarm goes off; the manager uses it to set
	// the alarm signal flag that the simulator polls.
	fire func()
}

// NewAlarmManager builds the interval multiplexer.
func NewAlarmManager(control SimulationControl, fire func()) *AlarmManager {
	rank := control.Rank()
	numRanks := control.NumRanks()
	return &AlarmManager{
		control:    control,
		isManager:  rank.Rank == 0 && rank.Thread == 0,
		rankLeader: numRanks.Rank > 1 && rank.Thread == 0,
		fire:       fire,
	}
}

// AddInterval registers an (interval, action) pair.
func (am *AlarmManager) AddInterval(intervalSeconds uint32, action Action) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.intervals = append(am.intervals, NewIntervalAction(intervalSeconds, action))
}

// HasIntervals reports whether anything is registered.
func (am *AlarmManager) HasIntervals() bool {
	am.mu.Lock()
	defer am.mu.Unlock()
	return len(am.intervals) > 0
}

// CanInitiateCheckpoint reports whether any registered action may schedule
// a checkpoint.
func (am *AlarmManager) CanInitiateCheckpoint() bool {
	am.mu.Lock()
	defer am.mu.Unlock()
	for _, ia := range am.intervals {
		if ia.action.CanInitiateCheckpoint() {
			return true
		}
	}
	return false
}

// Begin starts the countdowns and arms the alarm for the nearest fire.
func (am *AlarmManager) Begin(start time.Time) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.lastTime = start
	for _, ia := range am.intervals {
		ia.Begin(start)
	}
	if am.isManager && len(am.intervals) > 0 {
		am.armLocked(am.nearestLocked())
	}
}

// Stop cancels a pending alarm.
func (am *AlarmManager) Stop() {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.timer != nil {
		am.timer.Stop()
		am.timer = nil
	}
}

func (am *AlarmManager) nearestLocked() uint32 {
	next := uint32(0)
	for i, ia := range am.intervals {
		if i == 0 || ia.NextFire() < next {
			next = ia.NextFire()
		}
	}
	return next
}

func (am *AlarmManager) armLocked(seconds uint32) {
	if am.timer != nil {
		am.timer.Stop()
	}
	am.timer = time.AfterFunc(time.Duration(seconds)*time.Second, am.fire)
}

// Execute is the SIGALRM handling path, run from a poll point or sync
// horizon. The elapsed wall time is measured by the alarm manager and
// broadcast so each rank applies the same advance.
func (am *AlarmManager) Execute() {
	am.mu.Lock()
	defer am.mu.Unlock()

	var elapsed uint32
	if am.isManager {
		now := time.Now()
		elapsed = uint32(now.Sub(am.lastTime) / time.Second)
	}
	elapsed = am.shareElapsed(elapsed)

	for _, ia := range am.intervals {
		ia.Apply(elapsed)
	}
	am.lastTime = am.lastTime.Add(time.Duration(elapsed) * time.Second)

	if am.isManager {
		if next := am.nearestLocked(); next != 0 {
			am.armLocked(next)
		}
	}
}

// shareElapsed broadcasts the measured elapsed seconds from rank 0 to all
// ranks.
func (am *AlarmManager) shareElapsed(elapsed uint32) uint32 {
	tp := am.control.Transport()
	if tp == nil || am.control.NumRanks().Rank <= 1 {
		return elapsed
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], elapsed)
	shared, err := broadcastElapsed(tp, buf[:])
	if err != nil {
		logrus.WithError(err).Error("alarm: elapsed-time broadcast failed")
		return elapsed
	}
	return binary.LittleEndian.Uint32(shared)
}

func broadcastElapsed(tp transport.Transport, data []byte) ([]byte, error) {
	return tp.Broadcast(context.Background(), 0, data)
}
