package monitor

// Penalties are the health penalty terms, each in [0, 1].
type Penalties struct {
	Latency  float64
	Frames   float64
	Resource float64
	Quality  float64
}

// Health returns clamp(1 − Σ wᵢ·penaltyᵢ, 0, 1). Every penalty is clamped to
// [0, 1] first, so the score never increases when one penalty grows.
func Health(p Penalties, w Weights) float64 {
	sum := w.Latency*clamp01(p.Latency) +
		w.Frames*clamp01(p.Frames) +
		w.Resource*clamp01(p.Resource) +
		w.Quality*clamp01(p.Quality)
	return clamp01(1 - sum)
}

// penalties derives the penalty terms from a snapshot.
func penalties(s Snapshot, cfg Config) Penalties {
	target := float64(cfg.TargetLatency)
	var p Penalties
	p.Latency = clamp01((float64(s.Latency.P95) - target) / target)
	p.Frames = clamp01(max(1-s.FrameEfficiency, s.DropRate))
	cpu := clamp01((s.CPU - cfg.MaxCPU) / (1 - cfg.MaxCPU))
	mem := clamp01((s.MemoryMB - cfg.MaxMemoryMB) / cfg.MaxMemoryMB)
	p.Resource = max(cpu, mem)
	p.Quality = clamp01((cfg.MinQuality - s.Quality) / cfg.MinQuality)
	return p
}

func levelFor(health float64, cfg Config) Level {
	switch {
	case health < cfg.CriticalHealth:
		return LevelCritical
	case health < cfg.WarningHealth:
		return LevelWarning
	default:
		return LevelOK
	}
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	return max(0, min(1, v))
}
