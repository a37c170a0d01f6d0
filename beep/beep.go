// Package beep plays the short tones that accompany escalation changes.
package beep

import "math"

var disabled bool

func Disable() { disabled = true }

const (
	sampleRate = 44100

	// Gesture detected: bright, short
	detectFreq   = 1400
	detectVolume = 0.5
	detectDecay  = 50

	// Countdown tick: quiet click
	tickFreq   = 1000
	tickVolume = 0.3
	tickDecay  = 90

	// Defused: rising pair
	defuseLow    = 660
	defuseHigh   = 990
	defuseVolume = 0.5
	defuseDecay  = 25

	// Alarm: two-tone siren
	alarmHigh   = 880
	alarmLow    = 620
	alarmVolume = 0.7
	alarmCycles = 4

	// Error: low double beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

type sound int

const (
	soundDetect sound = iota
	soundTick
	soundDefused
	soundAlarm
	soundError
	soundCount
)

// tone renders a decaying sine as mono samples.
func tone(freq, duration, volume, decay float64) []int16 {
	n := int(float64(sampleRate) * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

func silence(duration float64) []int16 {
	return make([]int16, int(float64(sampleRate)*duration))
}

func concat(parts ...[]int16) []int16 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]int16, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// siren alternates two flat tones with a short fade at each edge.
func siren(high, low float64, segment float64, cycles int, volume float64) []int16 {
	var parts [][]int16
	for i := 0; i < cycles; i++ {
		parts = append(parts, flat(high, segment, volume), flat(low, segment, volume))
	}
	return concat(parts...)
}

func flat(freq, duration, volume float64) []int16 {
	n := int(float64(sampleRate) * duration)
	fade := min(n/2, sampleRate/200)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		gain := 1.0
		if i < fade {
			gain = float64(i) / float64(fade)
		} else if n-i < fade {
			gain = float64(n-i) / float64(fade)
		}
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * gain)
	}
	return samples
}

func render(s sound) []int16 {
	switch s {
	case soundDetect:
		return tone(detectFreq, 0.15, detectVolume, detectDecay)
	case soundTick:
		return tone(tickFreq, 0.05, tickVolume, tickDecay)
	case soundDefused:
		return concat(tone(defuseLow, 0.12, defuseVolume, defuseDecay), tone(defuseHigh, 0.2, defuseVolume, defuseDecay))
	case soundAlarm:
		return siren(alarmHigh, alarmLow, 0.18, alarmCycles, alarmVolume)
	case soundError:
		beep := tone(errorFreq, 0.08, errorVolume, errorDecay)
		return concat(beep, silence(0.05), beep)
	default:
		return nil
	}
}

func PlayDetected() { play(soundDetect) }
func PlayTick()     { play(soundTick) }
func PlayDefused()  { play(soundDefused) }
func PlayAlarm()    { play(soundAlarm) }
func PlayError()    { play(soundError) }
