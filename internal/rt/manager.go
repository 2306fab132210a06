package rt

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager owns the process's real-time machinery: signal intake, the alarm
// multiplexer, and the registry of signal-triggered actions. OS signal
// delivery only sets flags; the simulator drains them at poll points. In
// serial runs the action executes at the poll; in parallel runs handling is
// deferred to the next sync horizon so every rank acts on the same signal
// set at the same simulated time.
type Manager struct {
	control SimulationControl
	serial  bool

	actions map[int32]Action
	alarm   *AlarmManager

	canCheckpoint bool

	// Flags written by the signal-intake goroutine, drained by polls.
	sigEndFromOS  atomic.Int32
	sigUsrFromOS  atomic.Int32
	sigAlrmFromOS atomic.Int32

	// endSeen tracks fatal signals so a second occurrence terminates
	// immediately.
	endSeen atomic.Int32

	// Pending signals awaiting the next sync horizon (parallel runs).
	sigEnd, sigUsr, sigAlrm int32

	sigCh  chan os.Signal
	doneCh chan struct{}

	// notify is invoked from the intake goroutine to wake the poller.
	notify func()
}

// NewManager builds the real-time manager.
func NewManager(control SimulationControl, notify func()) *Manager {
	numRanks := control.NumRanks()
	m := &Manager{
		control: control,
		serial:  numRanks.Rank == 1 && numRanks.Thread == 1,
		actions: make(map[int32]Action),
		notify:  notify,
		doneCh:  make(chan struct{}),
	}
	m.alarm = NewAlarmManager(control, func() {
		m.sigAlrmFromOS.Store(int32(syscall.SIGALRM))
		m.wake()
	})
	return m
}

// RegisterSignal binds an action to a signal number.
func (m *Manager) RegisterSignal(action Action, sig syscall.Signal) {
	m.actions[int32(sig)] = action
	if action.CanInitiateCheckpoint() {
		m.canCheckpoint = true
	}
}

// RegisterDefaultSignals installs the conventional bindings: INT/TERM exit
// clean, USR1 core status, USR2 component status.
func (m *Manager) RegisterDefaultSignals() {
	m.RegisterSignal(NewExitCleanAction(m.control), syscall.SIGINT)
	m.RegisterSignal(NewExitCleanAction(m.control), syscall.SIGTERM)
	m.RegisterSignal(NewCoreStatusAction(m.control), syscall.SIGUSR1)
	m.RegisterSignal(NewComponentStatusAction(m.control), syscall.SIGUSR2)
}

// RegisterInterval schedules an action every intervalSeconds of wall time.
func (m *Manager) RegisterInterval(intervalSeconds uint32, action Action) {
	m.alarm.AddInterval(intervalSeconds, action)
	if action.CanInitiateCheckpoint() {
		m.canCheckpoint = true
	}
}

// CanInitiateCheckpoint reports whether any registered action may schedule
// a checkpoint.
func (m *Manager) CanInitiateCheckpoint() bool {
	return m.canCheckpoint || m.alarm.CanInitiateCheckpoint()
}

// Begin installs the signal watchers and starts the alarm countdowns.
func (m *Manager) Begin() {
	m.sigCh = make(chan os.Signal, 8)
	signal.Notify(m.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	go m.intake()
	m.alarm.Begin(time.Now())
}

// Stop tears the watchers down.
func (m *Manager) Stop() {
	if m.sigCh != nil {
		signal.Stop(m.sigCh)
		close(m.doneCh)
	}
	m.alarm.Stop()
}

// intake moves OS signals into flags; nothing heavier runs on this path.
func (m *Manager) intake() {
	for {
		select {
		case sig, ok := <-m.sigCh:
			if !ok {
				return
			}
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			switch s {
			case syscall.SIGINT, syscall.SIGTERM:
				if m.endSeen.Swap(int32(s)) != 0 {
					// Second fatal signal: stop intercepting and die.
					signal.Stop(m.sigCh)
					exitOnSecondSignal(sig)
				}
				m.sigEndFromOS.Store(int32(s))
			case syscall.SIGUSR1, syscall.SIGUSR2:
				m.sigUsrFromOS.Store(int32(s))
			}
			m.wake()
		case <-m.doneCh:
			return
		}
	}
}

func (m *Manager) wake() {
	if m.notify != nil {
		m.notify()
	}
}

// NotifySignal is the poll point: flags set by the OS are transferred to
// the manager's own fields. Serial runs execute the bound action here;
// parallel runs leave the fields set for the next sync horizon.
func (m *Manager) NotifySignal() {
	if end := m.sigEndFromOS.Swap(0); end != 0 {
		m.sigEnd = end
		if m.serial {
			m.PerformSignal(m.sigEnd)
			m.sigEnd = 0
		}
	}
	if usr := m.sigUsrFromOS.Swap(0); usr != 0 {
		m.sigUsr = usr
		if m.serial {
			m.PerformSignal(m.sigUsr)
			m.sigUsr = 0
		}
	}
	if alrm := m.sigAlrmFromOS.Swap(0); alrm != 0 {
		if m.serial {
			m.alarm.Execute()
		} else {
			m.sigAlrm = int32(syscall.SIGALRM)
		}
	}
}

// GetSignals hands the pending signal set to the sync plane and clears it.
func (m *Manager) GetSignals() (end, usr, alrm int32) {
	end, usr, alrm = m.sigEnd, m.sigUsr, m.sigAlrm
	m.sigEnd, m.sigUsr, m.sigAlrm = 0, 0, 0
	return end, usr, alrm
}

// PerformSignal executes the action bound to signum. The sync plane calls
// this with the agreed signal set at each horizon.
func (m *Manager) PerformSignal(signum int32) {
	if signum == int32(syscall.SIGALRM) {
		m.alarm.Execute()
		return
	}
	action, ok := m.actions[signum]
	if !ok {
		logrus.WithField("signal", signum).Warn("no action registered for signal")
		return
	}
	action.Execute()
}
