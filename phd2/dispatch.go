package phd2

import (
	"github.com/skywatch-tools/phd2client/internal/wire"
)

// classifyEnvelope is used only to decide whether an inbound line is an
// RPC response (carries a "jsonrpc" key) or an event (carries an "Event"
// key). The protocol is strictly one in-flight call per connection, so no
// id matching is required — see § Non-goals.
type classifyEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Event   string `json:"Event"`
}

// eventEnvelope carries every field any handled event might use. Fields
// irrelevant to a given event are simply left zero.
type eventEnvelope struct {
	Event          string  `json:"Event"`
	State          string  `json:"State"`
	PHDVersion     string  `json:"PHDVersion"`
	PHDSubver      string  `json:"PHDSubver"`
	RADistanceRaw  float64 `json:"RADistanceRaw"`
	DECDistanceRaw float64 `json:"DECDistanceRaw"`
	AvgDist        float64 `json:"AvgDist"`
	Distance       float64 `json:"Distance"`
	Time           float64 `json:"Time"`
	SettleTime     float64 `json:"SettleTime"`
	Status         int     `json:"Status"`
	Error          *string `json:"Error"`
	Success        bool    `json:"Success"`
	Path           *string `json:"Path"`
}

// readerLoop owns the connection's ReadLine calls and is the sole writer
// of the accumulators. It exits when ReadLine signals orderly termination
// (a nil line) and then wakes any caller blocked in call() with
// NotConnected, per the ordering guarantees in § Concurrency.
func (s *Session) readerLoop(c *conn) {
	defer close(s.readerDone)
	defer s.onReaderExit()

	for {
		line := c.ReadLine()
		if line == nil {
			return
		}
		if len(line) == 0 {
			continue
		}

		var env classifyEnvelope
		if err := wire.Unmarshal(line, &env); err != nil {
			// Robustness against junk lines: skip, but note it for anyone
			// who wired up a Logger.
			s.logger.Debugf("dropping unparseable line: %v", err)
			continue
		}

		if env.JSONRPC != "" {
			s.deliverResponse(line)
			continue
		}
		if env.Event == "" {
			continue
		}

		var ev eventEnvelope
		if err := wire.Unmarshal(line, &ev); err != nil {
			continue
		}
		s.handleEvent(&ev)
	}
}

// deliverResponse places a raw RPC response line into the pending slot
// and wakes the one caller blocked in call(). If no caller is waiting
// (a stray response), it is dropped.
func (s *Session) deliverResponse(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaitingResponse {
		return
	}
	resp := make([]byte, len(line))
	copy(resp, line)
	s.response = resp
	s.cond.Broadcast()
}

// onReaderExit marks the session disconnected and wakes any caller
// blocked in call(), satisfying the contract that a dropped connection
// unblocks Call() with NotConnected.
func (s *Session) onReaderExit() {
	s.logger.Debugf("reader exiting: connection terminated or closed by peer")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.cond.Broadcast()
}

func isGuidingState(st string) bool {
	return st == AppStateGuiding || st == AppStateLostLock
}

// accumStats snapshots the current accumulators into a GuideStats. Called
// only from the reader goroutine, which is the accumulators' sole writer.
func (s *Session) accumStats() GuideStats {
	return GuideStats{
		RMSRA:   s.accumRA.stdev(),
		RMSDec:  s.accumDEC.stdev(),
		PeakRA:  s.accumRA.peak,
		PeakDec: s.accumDEC.peak,
	}
}

// handleEvent applies one server event to the derived state. All writes
// to shared fields happen under s.mu; the accumulators themselves are
// touched without a lock because the reader goroutine is their only
// writer (§ Concurrency & Resource Model).
func (s *Session) handleEvent(ev *eventEnvelope) {
	switch ev.Event {
	case "Version":
		s.mu.Lock()
		s.version = ev.PHDVersion
		s.phdSubver = ev.PHDSubver
		s.mu.Unlock()

	case "AppState":
		s.mu.Lock()
		s.appState = ev.State
		if isGuidingState(s.appState) {
			s.avgDist = 0
		}
		s.mu.Unlock()

	case "StartGuiding":
		s.accumActive = true
		s.accumRA.reset()
		s.accumDEC.reset()
		stats := s.accumStats()
		s.mu.Lock()
		s.stats = stats
		s.mu.Unlock()

	case "GuideStep":
		var stats GuideStats
		if s.accumActive {
			s.accumRA.add(ev.RADistanceRaw)
			s.accumDEC.add(ev.DECDistanceRaw)
			stats = s.accumStats()
		}
		s.mu.Lock()
		s.appState = AppStateGuiding
		s.avgDist = ev.AvgDist
		if s.accumActive {
			s.stats = stats
		}
		s.mu.Unlock()

	case "SettleBegin":
		// Exclude settling frames from stats.
		s.accumActive = false

	case "Settling":
		s.mu.Lock()
		s.settle = &SettleProgress{
			Done:       false,
			Distance:   ev.Distance,
			SettlePx:   s.settlePx,
			Time:       ev.Time,
			SettleTime: ev.SettleTime,
			Status:     0,
		}
		s.mu.Unlock()

	case "SettleDone":
		s.accumActive = true
		s.accumRA.reset()
		s.accumDEC.reset()
		stats := s.accumStats()
		s.mu.Lock()
		s.settle = &SettleProgress{
			Done:   true,
			Status: ev.Status,
			Error:  ev.Error,
		}
		s.stats = stats
		s.mu.Unlock()

	case "Paused":
		s.mu.Lock()
		s.appState = AppStatePaused
		s.mu.Unlock()

	case "StartCalibration":
		s.mu.Lock()
		s.appState = AppStateCalibrating
		s.mu.Unlock()

	case "LoopingExposures":
		s.mu.Lock()
		s.appState = AppStateLooping
		s.mu.Unlock()

	case "LoopingExposuresStopped", "GuidingStopped":
		s.mu.Lock()
		s.appState = AppStateStopped
		s.mu.Unlock()

	case "StarLost":
		s.mu.Lock()
		s.appState = AppStateLostLock
		s.avgDist = ev.AvgDist
		s.mu.Unlock()

	case "SingleFrameComplete":
		s.mu.Lock()
		s.singleFrame = &SingleFrameResult{
			Success:      ev.Success,
			ErrorMessage: ev.Error,
			Path:         ev.Path,
		}
		s.mu.Unlock()

	default:
		// Unhandled events pass through silently.
	}
}
