package rhythm

import "time"

// PulseLog is a fixed-capacity ring of pulse times; the oldest entry is
// evicted when full.
type PulseLog struct {
	buf   [LogCapacity]time.Time
	start int
	n     int
}

func (l *PulseLog) Add(t time.Time) {
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = t
		l.n++
		return
	}
	l.buf[l.start] = t
	l.start = (l.start + 1) % len(l.buf)
}

func (l *PulseLog) Len() int { return l.n }

func (l *PulseLog) All() []time.Time {
	out := make([]time.Time, l.n)
	for i := range out {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

// Since returns the entries at or after cutoff, oldest first.
func (l *PulseLog) Since(cutoff time.Time) []time.Time {
	var out []time.Time
	for i := 0; i < l.n; i++ {
		t := l.buf[(l.start+i)%len(l.buf)]
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
