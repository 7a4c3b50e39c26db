package interrupt

import (
	"time"

	"github.com/MrWong99/bargein/pkg/audio"
)

// rampTo moves e's gain to target over the given duration. Sources that ramp
// on their own thread get a single RampVolume call. Otherwise the first linear
// step is applied before returning and the remaining steps run on clock
// timers. e.mu must be held.
func (m *Manager) rampTo(e *entry, target float64, over time.Duration) error {
	e.cancelRamp()
	if r, ok := e.src.(audio.GainRamper); ok {
		return r.RampVolume(target, over)
	}

	steps := int(over / rampStep)
	if over%rampStep != 0 {
		steps++
	}
	if steps <= 1 {
		return e.src.SetVolume(target)
	}

	from := e.src.Volume()
	if err := e.src.SetVolume(lerp(from, target, 1, steps)); err != nil {
		return err
	}
	m.scheduleStep(e, e.gen, from, target, 2, steps)
	return nil
}

// scheduleStep arms the timer for step i of a ramp started at generation gen.
// e.mu must be held.
func (m *Manager) scheduleStep(e *entry, gen uint64, from, target float64, i, steps int) {
	e.timer = m.clock.AfterFunc(rampStep, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen != gen || e.removed {
			return
		}
		if err := e.src.SetVolume(lerp(from, target, i, steps)); err != nil {
			// Cosmetic step; the next interrupt or resume sets gain again.
			m.log.Debug("fade step failed", "source", e.id, "step", i, "err", err)
			e.timer = nil
			return
		}
		if i < steps {
			m.scheduleStep(e, gen, from, target, i+1, steps)
			return
		}
		e.timer = nil
	})
}

// cancelRamp abandons the running manual ramp. e.mu must be held.
func (e *entry) cancelRamp() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func lerp(from, to float64, i, steps int) float64 {
	if i >= steps {
		return to
	}
	return from + (to-from)*float64(i)/float64(steps)
}
