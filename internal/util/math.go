package util

// Percent returns done/total as a percentage in [0, 100].
// An unknown (negative) or zero total yields 0.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	if done <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
