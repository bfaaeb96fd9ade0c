// Package phd2 is a client for PHD2's line-delimited JSON-RPC 2.0 control
// channel. A Session multiplexes one synchronous request/response RPC
// over the same TCP socket that continuously delivers unsolicited server
// events, and maintains a derived view of guider state that the
// higher-level operations below query and gate on.
package phd2

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/skywatch-tools/phd2client/internal/wire"
)

// DefaultStopCaptureTimeout is the timeout StopCapture and the
// equipment-connect operations fall back to when none is given.
const DefaultStopCaptureTimeout = 10 * time.Second

// Options configures a new Session. The zero value is a usable default:
// localhost, instance 1, no dial timeout, diagnostics discarded.
type Options struct {
	// Host is the PHD2 server hostname. Defaults to "localhost".
	Host string

	// Instance selects which running PHD2 instance to connect to; the
	// listen port is 4400 + Instance - 1. Defaults to 1.
	Instance int

	// DialTimeout bounds only the initial TCP connect. Zero means no
	// timeout is imposed beyond whatever the caller's context carries —
	// Connect itself has no implicit timeout (§ Concurrency).
	DialTimeout time.Duration

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger Logger
}

// Session owns a Connection to one PHD2 instance and the state derived
// from its event stream. Exactly one Session should exist per remote
// PHD2 instance; it is not a pool and does not reconnect automatically.
type Session struct {
	host        string
	instance    int
	dialTimeout time.Duration
	logger      Logger

	mu         sync.Mutex
	cond       *sync.Cond
	c          *conn
	connected  bool
	readerDone chan struct{}

	callMu           sync.Mutex
	awaitingResponse bool
	response         []byte

	// Derived state — all guarded by mu except where noted.
	appState    string
	avgDist     float64
	version     string
	phdSubver   string
	settle      *SettleProgress
	stats       GuideStats
	settlePx    float64
	singleFrame *SingleFrameResult

	// Accumulators: written only by the reader goroutine, never locked.
	accumActive bool
	accumRA     accumulator
	accumDEC    accumulator
}

// NewSession constructs a Session. It does not connect; call Connect.
func NewSession(opts Options) *Session {
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	instance := opts.Instance
	if instance < 1 {
		instance = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	s := &Session{
		host:        host,
		instance:    instance,
		dialTimeout: opts.DialTimeout,
		logger:      logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Connect opens the TCP connection to PHD2 and starts the reader
// goroutine. Any prior connection is disconnected first. On failure, all
// partially acquired resources are released.
func (s *Session) Connect(ctx context.Context) error {
	s.Disconnect()

	if ctx == nil {
		ctx = context.Background()
	}
	if s.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.dialTimeout)
		defer cancel()
	}

	port := 4400 + s.instance - 1
	c, err := dialConn(ctx, s.host, port)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.c = c
	s.connected = true
	s.response = nil
	s.awaitingResponse = false
	s.mu.Unlock()

	s.readerDone = make(chan struct{})
	go s.readerLoop(c)
	return nil
}

// Disconnect signals termination to the reader, waits for it to exit,
// and closes the socket. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	if c == nil {
		return
	}

	c.Terminate()
	<-s.readerDone
	c.Close()

	s.mu.Lock()
	if s.c == c {
		s.c = nil
	}
	s.connected = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Session) checkConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || !s.connected {
		return &NotConnectedError{}
	}
	return nil
}

// Guide starts guiding with the given settling parameters. PHD2 handles
// looping exposures, guide star selection, and settling. Call
// CheckSettling periodically to observe progress.
func (s *Session) Guide(settlePixels, settleTime, settleTimeout float64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	pending := &SettleProgress{
		Done:       false,
		SettlePx:   settlePixels,
		SettleTime: settleTime,
	}
	s.mu.Lock()
	if s.settle != nil && !s.settle.Done {
		s.mu.Unlock()
		return &SettlingError{Op: "guide"}
	}
	s.settle = pending
	s.mu.Unlock()

	_, err := s.call("guide", []interface{}{
		map[string]interface{}{
			"pixels":  settlePixels,
			"time":    settleTime,
			"timeout": settleTimeout,
		},
		false,
	})
	if err != nil {
		s.mu.Lock()
		s.settle = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.settlePx = settlePixels
	s.mu.Unlock()
	return nil
}

// Dither nudges guiding by ditherPixels and waits for re-settling using
// the same contract as Guide.
func (s *Session) Dither(ditherPixels, settlePixels, settleTime, settleTimeout float64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	pending := &SettleProgress{
		Done:       false,
		Distance:   ditherPixels,
		SettlePx:   settlePixels,
		SettleTime: settleTime,
	}
	s.mu.Lock()
	if s.settle != nil && !s.settle.Done {
		s.mu.Unlock()
		return &SettlingError{Op: "dither"}
	}
	s.settle = pending
	s.mu.Unlock()

	_, err := s.call("dither", []interface{}{
		ditherPixels,
		false,
		map[string]interface{}{
			"pixels":  settlePixels,
			"time":    settleTime,
			"timeout": settleTimeout,
		},
	})
	if err != nil {
		s.mu.Lock()
		s.settle = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.settlePx = settlePixels
	s.mu.Unlock()
	return nil
}

// IsSettling reports whether PHD2 is currently settling after a Guide or
// Dither. If no local settle record exists, it queries get_settling and,
// if true, synthesizes a minimal record so subsequent checks are
// consistent.
func (s *Session) IsSettling() (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.settle != nil {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	res, err := s.call("get_settling", nil)
	if err != nil {
		return false, err
	}
	var settling bool
	if err := wire.Unmarshal(res, &settling); err != nil {
		return false, err
	}
	if settling {
		s.mu.Lock()
		if s.settle == nil {
			s.settle = &SettleProgress{Done: false, Distance: -1}
		}
		s.mu.Unlock()
	}
	return settling, nil
}

// CheckSettling returns the progress of the in-flight settle. It fails
// with NotSettlingError if no settle is in progress and none has
// completed since the last check. A Done result clears the record — it
// is returned at most once per settle cycle.
func (s *Session) CheckSettling() (SettleProgress, error) {
	if err := s.checkConnected(); err != nil {
		return SettleProgress{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settle == nil {
		return SettleProgress{}, &NotSettlingError{}
	}
	if s.settle.Done {
		ret := SettleProgress{
			Done:   true,
			Status: s.settle.Status,
			Error:  s.settle.Error,
		}
		s.settle = nil
		return ret, nil
	}
	return SettleProgress{
		Done:       false,
		Distance:   s.settle.Distance,
		SettlePx:   s.settlePx,
		Time:       s.settle.Time,
		SettleTime: s.settle.SettleTime,
	}, nil
}

// GetStats returns the guider statistics accumulated since guiding
// started. Frames captured while settling was in progress are excluded.
func (s *Session) GetStats() (GuideStats, error) {
	if err := s.checkConnected(); err != nil {
		return GuideStats{}, err
	}
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	stats.RMSTot = math.Hypot(stats.RMSRA, stats.RMSDec)
	return stats, nil
}

// StopCapture stops looping and guiding. It polls AppState == "Stopped"
// at ~1Hz until timeout (default DefaultStopCaptureTimeout); if the
// deadline passes, it works around a known PHD2 bug where a trailing
// GuideStep suppresses GuidingStopped by adopting get_app_state's answer.
func (s *Session) StopCapture(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopCaptureTimeout
	}
	if _, err := s.call("stop_capture", nil); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		stopped := s.appState == AppStateStopped
		s.mu.Unlock()
		if stopped {
			return nil
		}
		time.Sleep(time.Second)
		if err := s.checkConnected(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			break
		}
	}

	res, err := s.call("get_app_state", nil)
	if err != nil {
		return err
	}
	var st string
	if err := wire.Unmarshal(res, &st); err != nil {
		return err
	}
	s.mu.Lock()
	s.appState = st
	s.mu.Unlock()
	if st == AppStateStopped {
		return nil
	}
	return &TimeoutError{Op: "StopCapture", Timeout: timeout.Seconds()}
}

// Loop starts looping exposures, returning once AppState == "Looping" or
// failing with TimeoutError after timeout (default
// DefaultStopCaptureTimeout).
func (s *Session) Loop(timeout time.Duration) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultStopCaptureTimeout
	}

	s.mu.Lock()
	looping := s.appState == AppStateLooping
	s.mu.Unlock()
	if looping {
		return nil
	}

	res, err := s.call("get_exposure", nil)
	if err != nil {
		return err
	}
	var exposureMs int
	if err := wire.Unmarshal(res, &exposureMs); err != nil {
		return err
	}

	if _, err := s.call("loop", nil); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)

	// Give the server time to emit LoopingExposures before polling. This
	// sleep eats into the deadline above rather than extending it.
	time.Sleep(time.Duration(exposureMs) * time.Millisecond)

	for {
		s.mu.Lock()
		looping := s.appState == AppStateLooping
		s.mu.Unlock()
		if looping {
			return nil
		}
		time.Sleep(time.Second)
		if err := s.checkConnected(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return &TimeoutError{Op: "Loop", Timeout: timeout.Seconds()}
}

// ConnectEquipment connects the equipment in the named profile, switching
// profiles first if PHD2's currently loaded profile doesn't match.
func (s *Session) ConnectEquipment(profileName string) error {
	res, err := s.call("get_profile", nil)
	if err != nil {
		return err
	}
	var current struct {
		Name string `json:"name"`
	}
	if err := wire.Unmarshal(res, &current); err != nil {
		return err
	}

	if current.Name != profileName {
		res, err := s.call("get_profiles", nil)
		if err != nil {
			return err
		}
		var profiles []struct {
			Name string `json:"name"`
			ID   int    `json:"id"`
		}
		if err := wire.Unmarshal(res, &profiles); err != nil {
			return err
		}
		profileID := -1
		for _, p := range profiles {
			if p.Name == profileName {
				profileID = p.ID
				break
			}
		}
		if profileID == -1 {
			return &UnknownProfileError{Name: profileName}
		}

		if err := s.StopCapture(DefaultStopCaptureTimeout); err != nil {
			return err
		}
		if _, err := s.call("set_connected", false); err != nil {
			return err
		}
		if _, err := s.call("set_profile", profileID); err != nil {
			return err
		}
	}

	_, err = s.call("set_connected", true)
	return err
}

// DisconnectEquipment stops capture and disconnects the equipment.
func (s *Session) DisconnectEquipment() error {
	if err := s.StopCapture(DefaultStopCaptureTimeout); err != nil {
		return err
	}
	_, err := s.call("set_connected", false)
	return err
}

// Pause pauses guiding; looping exposures continues.
func (s *Session) Pause() error {
	_, err := s.call("set_paused", true)
	return err
}

// Unpause resumes guiding after Pause.
func (s *Session) Unpause() error {
	_, err := s.call("set_paused", false)
	return err
}

// SaveImage saves the current guide camera frame (FITS format) and
// returns its filename. The caller is responsible for removing the file.
func (s *Session) SaveImage() (string, error) {
	res, err := s.call("save_image", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Filename string `json:"filename"`
	}
	if err := wire.Unmarshal(res, &out); err != nil {
		return "", err
	}
	return out.Filename, nil
}

// PixelScale returns the guider pixel scale in arc-seconds per pixel.
func (s *Session) PixelScale() (float64, error) {
	res, err := s.call("get_pixel_scale", nil)
	if err != nil {
		return 0, err
	}
	var scale float64
	if err := wire.Unmarshal(res, &scale); err != nil {
		return 0, err
	}
	return scale, nil
}

// GetExposure returns the current exposure duration in milliseconds.
func (s *Session) GetExposure() (int, error) {
	res, err := s.call("get_exposure", nil)
	if err != nil {
		return 0, err
	}
	var ms int
	if err := wire.Unmarshal(res, &ms); err != nil {
		return 0, err
	}
	return ms, nil
}

// GetEquipmentProfiles returns the names of configured equipment
// profiles.
func (s *Session) GetEquipmentProfiles() ([]string, error) {
	res, err := s.call("get_profiles", nil)
	if err != nil {
		return nil, err
	}
	var profiles []struct {
		Name string `json:"name"`
	}
	if err := wire.Unmarshal(res, &profiles); err != nil {
		return nil, err
	}
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	return names, nil
}

// GetStatus returns the current AppState and guide error (AvgDist).
func (s *Session) GetStatus() (string, float64, error) {
	if err := s.checkConnected(); err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appState, s.avgDist, nil
}

// IsGuiding reports whether PHD2 is actively guiding (including having
// lost lock, which is still a guiding state).
func (s *Session) IsGuiding() (bool, error) {
	st, _, err := s.GetStatus()
	if err != nil {
		return false, err
	}
	return isGuidingState(st), nil
}

// Shutdown terminates PHD2.
func (s *Session) Shutdown() error {
	_, err := s.call("shutdown", nil)
	return err
}

// CaptureSingleFrame requests a single exposure, including only the
// parameters the caller set. It fails with InvalidArgumentError if Path
// is set while Save is explicitly false. Poll CheckSingleFrame for the
// result.
func (s *Session) CaptureSingleFrame(params CaptureSingleFrameParams) error {
	if params.Path != nil && params.Save != nil && !*params.Save {
		return &InvalidArgumentError{
			Reason: "path must be omitted when save is false",
		}
	}

	m := make(map[string]interface{})
	if params.Exposure != nil {
		m["exposure"] = *params.Exposure
	}
	if params.Binning != nil {
		m["binning"] = *params.Binning
	}
	if params.Gain != nil {
		m["gain"] = *params.Gain
	}
	if params.ROI != nil {
		m["subframe"] = []int{params.ROI.X, params.ROI.Y, params.ROI.Width, params.ROI.Height}
	}
	if params.Path != nil {
		m["path"] = *params.Path
	}
	if params.Save != nil {
		m["save"] = *params.Save
	}

	s.mu.Lock()
	s.singleFrame = nil
	s.mu.Unlock()

	_, err := s.call("capture_single_frame", m)
	return err
}

// CheckSingleFrame returns and clears the most recent SingleFrameComplete
// result, or nil if none has arrived since the last check.
func (s *Session) CheckSingleFrame() *SingleFrameResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := s.singleFrame
	s.singleFrame = nil
	return result
}
