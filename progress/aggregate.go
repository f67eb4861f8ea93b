package progress

// Aggregate folds the stage states into one 0-100 value. Each stage weighs
// the same and the running stage contributes its own progress as a fraction
// of its share, so a long build still moves the bar smoothly.
func Aggregate(stages []StageState, status OverallStatus) float64 {
	n := len(stages)
	if status == StatusSuccess {
		return 100
	}
	if n == 0 {
		return 0
	}

	if status != StatusRunning {
		done := 0
		for _, s := range stages {
			if s.Status == StageSuccess {
				done++
			}
		}
		return clampFloat(100 * float64(done) / float64(n))
	}

	k := n
	for i, s := range stages {
		if !s.Status.Terminal() {
			k = i
			break
		}
	}
	share := 100 / float64(n)
	total := float64(k) * share
	if k < n {
		total += float64(clampPercent(stages[k].Progress)) / 100 * share
	}
	return clampFloat(total)
}

func clampFloat(v float64) float64 {
	return min(100, max(0, v))
}
