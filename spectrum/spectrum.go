// Package spectrum contains operations on spectra: dark subtraction, median
// filtering and despiking.
package spectrum

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrBadWindow is generated when a median filter window is not a positive odd number
var ErrBadWindow = errors.New("median filter window must be a positive odd number")

// LengthMismatch is generated when two spectra that must be combined
// elementwise have different lengths
type LengthMismatch struct {
	Frame, Dark int
}

func (e LengthMismatch) Error() string {
	return fmt.Sprintf("frame has %d samples but dark reference has %d", e.Frame, e.Dark)
}

// Subtract returns frame - dark elementwise.  Neither input is modified.
func Subtract(frame, dark []float64) ([]float64, error) {
	if len(frame) != len(dark) {
		return nil, LengthMismatch{Frame: len(frame), Dark: len(dark)}
	}
	out := make([]float64, len(frame))
	floats.SubTo(out, frame, dark)
	return out, nil
}

// MedianFilter returns the running median of x over a centered window.
// Near the ends the window shrinks symmetrically so it stays centered.
func MedianFilter(x []float64, window int) ([]float64, error) {
	if window < 1 || window%2 == 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadWindow, window)
	}
	half := window / 2
	out := make([]float64, len(x))
	buf := make([]float64, 0, window)
	for i := range x {
		h := half
		if i < h {
			h = i
		}
		if n := len(x) - 1 - i; n < h {
			h = n
		}
		buf = append(buf[:0], x[i-h:i+h+1]...)
		sort.Float64s(buf)
		out[i] = stat.Quantile(0.5, stat.Empirical, buf, nil)
	}
	return out, nil
}

// Despike replaces samples that deviate from the median filtered signal by
// more than threshold with the filtered value.  It returns the despiked copy
// and the indices that were replaced.
func Despike(x []float64, window int, threshold float64) ([]float64, []int, error) {
	med, err := MedianFilter(x, window)
	if err != nil {
		return nil, nil, err
	}
	out := make([]float64, len(x))
	copy(out, x)
	var replaced []int
	for i := range x {
		if math.Abs(x[i]-med[i]) > threshold {
			out[i] = med[i]
			replaced = append(replaced, i)
		}
	}
	return out, replaced, nil
}

// Summary holds descriptive statistics of a spectrum
type Summary struct {
	Mean, Std, Min, Max float64
}

// Summarize computes a Summary of x.  An empty x gives a zero Summary.
func Summarize(x []float64) Summary {
	if len(x) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(x, nil)
	if len(x) == 1 {
		std = 0
	}
	return Summary{Mean: mean, Std: std, Min: floats.Min(x), Max: floats.Max(x)}
}
