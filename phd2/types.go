package phd2

// AppState mirrors PHD2's reported application state. The server's full
// vocabulary is open-ended (see
// https://github.com/OpenPHDGuiding/phd2/wiki/EventMonitoring#appstate);
// unrecognized values pass through unchanged.
const (
	AppStateStopped     = "Stopped"
	AppStateSelected    = "Selected"
	AppStateCalibrating = "Calibrating"
	AppStateGuiding     = "Guiding"
	AppStateLostLock    = "LostLock"
	AppStatePaused      = "Paused"
	AppStateLooping     = "Looping"
	AppStateSettling    = "Settling"
)

// SettleProgress describes the progress of settling after a Guide or
// Dither call. A Session holds at most one of these at a time.
type SettleProgress struct {
	Done       bool
	Distance   float64
	SettlePx   float64
	Time       float64
	SettleTime float64
	Status     int
	Error      *string
}

// GuideStats holds cumulative guide-error statistics since guiding started
// (or the last settle completed). RMSTot is always derived from RMSRA and
// RMSDec at read time, never stored.
type GuideStats struct {
	RMSTot  float64
	RMSRA   float64
	RMSDec  float64
	PeakRA  float64
	PeakDec float64
}

// Subframe is a rectangular region of interest on the guide camera sensor.
type Subframe struct {
	X, Y, Width, Height int
}

// SingleFrameResult is the outcome of a CaptureSingleFrame request,
// delivered asynchronously via the SingleFrameComplete event.
type SingleFrameResult struct {
	Success      bool
	ErrorMessage *string
	Path         *string
}

// CaptureSingleFrameParams configures CaptureSingleFrame. Only the fields
// set (non-nil) are sent to the server — PHD2
// interprets an absent key as "use the current setting."
type CaptureSingleFrameParams struct {
	Exposure *int
	Binning  *int
	Gain     *int
	ROI      *Subframe
	Path     *string
	Save     *bool
}
