// Package rhythm turns a stream of audio frames into "gesture detected"
// events: an adaptive amplitude threshold registers pulses, and a short run
// of evenly spaced pulses counts as deliberate clapping.
package rhythm

import (
	"math"
	"time"
)

const (
	averageDecay = 0.9
	recentDecay  = 0.85

	thresholdFloor     = 0.22
	thresholdOffset    = 0.16
	thresholdAvgScale  = 1.75
	thresholdPeakScale = 0.9
	pulseMargin        = 1.15
	minPeakRatio       = 2.1
	negligibleAverage  = 0.0001

	Debounce     = 190 * time.Millisecond
	RecentWindow = 1400 * time.Millisecond
	LogCapacity  = 8

	minRecentPulses = 4
	maxIntervals    = 4
	minIntervals    = 3

	MinMeanInterval = 260 * time.Millisecond
	MaxMeanInterval = 520 * time.Millisecond
	MaxJitter       = 55 * time.Millisecond
)

// NoiseStatistics tracks the ambient level the threshold adapts to.
type NoiseStatistics struct {
	MovingAverage   float64
	RecentAmplitude float64
}

// Threshold is the dynamic level a peak has to clear.
func (n NoiseStatistics) Threshold() float64 {
	return max(
		thresholdFloor,
		n.MovingAverage+thresholdOffset,
		n.MovingAverage*thresholdAvgScale,
		n.RecentAmplitude*thresholdPeakScale,
	)
}

// Result describes what a single frame did to the detector.
type Result struct {
	Peak      float64
	Threshold float64
	Pulse     bool
	Gesture   bool

	// Populated when a classification ran (enough recent pulses).
	MeanInterval time.Duration
	Jitter       time.Duration
}

// Detector is not safe for concurrent use; one polling loop owns it.
type Detector struct {
	stats     NoiseStatistics
	pulses    PulseLog
	lastPulse time.Time
}

func New() *Detector {
	return &Detector{}
}

// Process consumes one frame captured at now.
func (d *Detector) Process(frame []float32, now time.Time) Result {
	var peak float64
	for _, s := range frame {
		a := math.Abs(float64(s))
		if a > peak {
			peak = a
		}
		d.stats.MovingAverage = averageDecay*d.stats.MovingAverage + (1-averageDecay)*a
	}
	d.stats.RecentAmplitude = recentDecay*d.stats.RecentAmplitude + (1-recentDecay)*peak

	res := Result{Peak: peak, Threshold: d.stats.Threshold()}

	avg := d.stats.MovingAverage
	if avg < negligibleAverage {
		avg = negligibleAverage
	}
	if peak <= res.Threshold*pulseMargin || peak/avg < minPeakRatio {
		return res
	}
	if !d.lastPulse.IsZero() && now.Sub(d.lastPulse) < Debounce {
		return res
	}

	res.Pulse = true
	d.lastPulse = now
	d.pulses.Add(now)

	recent := d.pulses.Since(now.Add(-RecentWindow))
	if len(recent) < minRecentPulses {
		return res
	}
	intervals := make([]time.Duration, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, recent[i].Sub(recent[i-1]))
	}
	if len(intervals) > maxIntervals {
		intervals = intervals[len(intervals)-maxIntervals:]
	}
	var ok bool
	res.MeanInterval, res.Jitter, ok = Stats(intervals)
	res.Gesture = ok && Rhythmic(res.MeanInterval, res.Jitter)
	return res
}

// Stats returns the mean and population standard deviation of intervals.
// It reports false when there are too few intervals to judge a rhythm.
func Stats(intervals []time.Duration) (mean, stdev time.Duration, ok bool) {
	if len(intervals) < minIntervals {
		return 0, 0, false
	}
	var sum float64
	for _, iv := range intervals {
		sum += float64(iv)
	}
	m := sum / float64(len(intervals))
	var sq float64
	for _, iv := range intervals {
		d := float64(iv) - m
		sq += d * d
	}
	return time.Duration(m), time.Duration(math.Sqrt(sq / float64(len(intervals)))), true
}

// Rhythmic reports whether the timing looks like deliberate, evenly spaced
// clapping.
func Rhythmic(mean, stdev time.Duration) bool {
	return mean >= MinMeanInterval && mean <= MaxMeanInterval && stdev <= MaxJitter
}

// Classify is Stats followed by Rhythmic.
func Classify(intervals []time.Duration) bool {
	mean, stdev, ok := Stats(intervals)
	return ok && Rhythmic(mean, stdev)
}

func (d *Detector) Stats() NoiseStatistics { return d.stats }

// Pulses returns the logged pulse times, oldest first.
func (d *Detector) Pulses() []time.Time { return d.pulses.All() }

// Reset clears noise statistics and the pulse log for a new listening session.
func (d *Detector) Reset() {
	*d = Detector{}
}
