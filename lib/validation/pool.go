package validation

import "fmt"

// PoolSizes validates connection pool bounds. Field names are reported
// under prefix, e.g. "pool.max_size".
func PoolSizes(prefix string, minSize, maxSize, maxOverflow int) error {
	var errs Errors
	errs.Add(NonNegative(prefix+".min_size", minSize))
	errs.Add(Positive(prefix+".max_size", maxSize))
	errs.Add(NonNegative(prefix+".max_overflow", maxOverflow))
	if maxSize > 0 && minSize > maxSize {
		errs.Add(NewResult(prefix+".min_size", fmt.Sprintf("must not exceed max_size (%d)", maxSize), ErrOutOfRange))
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Fraction validates a ratio in [0,1].
func Fraction(field string, value float64) error {
	return FloatRange(field, value, 0, 1)
}
