package capture

import "log/slog"

// monitoredSession is the liveness monitor's view of a session. Of the
// two tickers, only the monitor can end the session.
type monitoredSession interface {
	observe() (active, stopRequested bool, liveness Liveness)
	terminate(reason error)
}

type livenessMonitor struct {
	session monitoredSession
	log     *slog.Logger
}

// tick runs once per liveness interval.
func (m *livenessMonitor) tick() {
	active, stopRequested, liveness := m.session.observe()
	if !active {
		return
	}
	if stopRequested {
		m.session.terminate(nil)
		return
	}
	switch liveness {
	case LivenessEnded:
		m.session.terminate(ErrStreamEndedUnexpectedly)
	case LivenessUnknown:
		m.log.Debug("liveness unknown, skipping")
	}
}

// classify reads a handle's liveness. A nil handle reads as unknown.
func classify(h Handle) Liveness {
	if h == nil {
		return LivenessUnknown
	}
	if !h.Active() {
		return LivenessEnded
	}
	switch h.TrackState() {
	case TrackLive:
		return LivenessLive
	case TrackEnded:
		return LivenessEnded
	}
	return LivenessUnknown
}
