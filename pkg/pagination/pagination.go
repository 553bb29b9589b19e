package pagination

// Window bounds
const (
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// ClampLimit normalizes a requested window size
func ClampLimit(limit int) int {
	if limit < MinLimit {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Grow returns the next window size after a scroll-to-top, never shrinking and never exceeding total.
// A step below MinLimit falls back to DefaultLimit.
func Grow(current, step, total int) int {
	if step < MinLimit {
		step = DefaultLimit
	}
	next := current + step
	if next > total {
		next = total
	}
	if next < current {
		return current
	}
	return next
}

// Window returns the bounds [0, end) of the first n items out of total
func Window(n, total int) int {
	if n < 0 {
		return 0
	}
	if n > total {
		return total
	}
	return n
}
