package audio

import (
	"math"
	"sync"
	"time"
)

// Ring cadence: two 400 ms bursts of a 425/450 Hz dual tone separated by
// 200 ms, repeated every 3 s.
const (
	ringBurst  = 400 * time.Millisecond
	ringGap    = 200 * time.Millisecond
	ringPeriod = 3 * time.Second
	ringGain   = 0.2
)

// RingTone synthesises one ring cycle (burst, gap, burst) at sampleRate.
func RingTone(sampleRate int) Buffer {
	burst := int(ringBurst.Seconds() * float64(sampleRate))
	gap := int(ringGap.Seconds() * float64(sampleRate))
	samples := make([]float32, 2*burst+gap)

	fill := func(off int) {
		for i := range burst {
			t := float64(i) / float64(sampleRate)
			v := math.Sin(2*math.Pi*425*t) + math.Sin(2*math.Pi*450*t)
			// 10 ms linear fade on both edges avoids clicks.
			env := min(1, float64(i)/(0.01*float64(sampleRate)), float64(burst-i)/(0.01*float64(sampleRate)))
			samples[off+i] = float32(v * 0.5 * ringGain * env)
		}
	}
	fill(0)
	fill(burst + gap)
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: 1}
}

// Ringtone loops [RingTone] on an output opened on demand. The zero value is
// not usable; construct with [NewRingtone].
type Ringtone struct {
	open   func() (Output, error)
	period time.Duration

	mu    sync.Mutex
	sched *Scheduler
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewRingtone returns a Ringtone that acquires its output through open each
// time it starts ringing.
func NewRingtone(open func() (Output, error)) *Ringtone {
	return &Ringtone{open: open, period: ringPeriod}
}

// Start begins ringing. Calling Start while already ringing is a no-op.
func (r *Ringtone) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched != nil {
		return nil
	}
	out, err := r.open()
	if err != nil {
		return err
	}
	r.sched = NewScheduler(out)
	r.stop = make(chan struct{})

	tone := RingTone(PlaybackSampleRate)
	sched, stop := r.sched, r.stop
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		for {
			if _, err := sched.Enqueue(tone); err != nil {
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop silences the ringtone and releases its output. Safe to call when not
// ringing and multiple times.
func (r *Ringtone) Stop() {
	r.mu.Lock()
	sched, stop := r.sched, r.stop
	r.sched, r.stop = nil, nil
	r.mu.Unlock()
	if sched == nil {
		return
	}
	close(stop)
	r.wg.Wait()
	_ = sched.Close()
}
