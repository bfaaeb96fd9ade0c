package phd2

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GuideMetrics is a prometheus.Collector exposing a Session's guide
// statistics and status as gauges. It is never registered or served by
// this package — the caller decides whether and where to register it
// (e.g. with prometheus.DefaultRegisterer and an HTTP handler of its own
// choosing), keeping the transport-and-metrics-server question entirely
// outside this library's scope.
type GuideMetrics struct {
	session *Session

	rmsTot  *prometheus.Desc
	rmsRA   *prometheus.Desc
	rmsDec  *prometheus.Desc
	peakRA  *prometheus.Desc
	peakDec *prometheus.Desc
	avgDist *prometheus.Desc
	guiding *prometheus.Desc
}

// Metrics returns a GuideMetrics bound to this Session. Calling it more
// than once yields independent collectors reading the same underlying
// state; only one need ever be registered.
func (s *Session) Metrics() *GuideMetrics {
	return &GuideMetrics{
		session: s,
		rmsTot:  prometheus.NewDesc("phd2_rms_tot_px", "Total RMS guide error in pixels.", nil, nil),
		rmsRA:   prometheus.NewDesc("phd2_rms_ra_px", "RMS guide error in RA, in pixels.", nil, nil),
		rmsDec:  prometheus.NewDesc("phd2_rms_dec_px", "RMS guide error in Dec, in pixels.", nil, nil),
		peakRA:  prometheus.NewDesc("phd2_peak_ra_px", "Peak absolute guide error in RA, in pixels.", nil, nil),
		peakDec: prometheus.NewDesc("phd2_peak_dec_px", "Peak absolute guide error in Dec, in pixels.", nil, nil),
		avgDist: prometheus.NewDesc("phd2_avg_dist_px", "Smoothed average star distance from lock position, in pixels.", nil, nil),
		guiding: prometheus.NewDesc("phd2_guiding", "1 if PHD2 is currently guiding (including lost lock), else 0.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *GuideMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.rmsTot
	ch <- m.rmsRA
	ch <- m.rmsDec
	ch <- m.peakRA
	ch <- m.peakDec
	ch <- m.avgDist
	ch <- m.guiding
}

// Collect implements prometheus.Collector. It never fails: if the
// session is disconnected, it reports zero-valued gauges rather than
// erroring, since a Collector has no way to surface an error to its
// caller without crashing the scrape.
func (m *GuideMetrics) Collect(ch chan<- prometheus.Metric) {
	stats, _ := m.session.GetStats()
	st, avgDist, _ := m.session.GetStatus()

	ch <- prometheus.MustNewConstMetric(m.rmsTot, prometheus.GaugeValue, stats.RMSTot)
	ch <- prometheus.MustNewConstMetric(m.rmsRA, prometheus.GaugeValue, stats.RMSRA)
	ch <- prometheus.MustNewConstMetric(m.rmsDec, prometheus.GaugeValue, stats.RMSDec)
	ch <- prometheus.MustNewConstMetric(m.peakRA, prometheus.GaugeValue, stats.PeakRA)
	ch <- prometheus.MustNewConstMetric(m.peakDec, prometheus.GaugeValue, stats.PeakDec)
	ch <- prometheus.MustNewConstMetric(m.avgDist, prometheus.GaugeValue, avgDist)

	guiding := 0.0
	if isGuidingState(st) {
		guiding = 1.0
	}
	ch <- prometheus.MustNewConstMetric(m.guiding, prometheus.GaugeValue, guiding)
}
