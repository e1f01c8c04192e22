package backend

import (
	"context"
	"fmt"
	"math"
)

// Time-series and statistics kernels shared by the native and compiled-module
// backends.

func sumKernel(_ context.Context, d []float64, _ map[string]interface{}) ([]float64, error) {
	s := 0.0
	for _, v := range d {
		s += v
	}
	return []float64{s}, nil
}

func meanKernel(_ context.Context, d []float64, _ map[string]interface{}) ([]float64, error) {
	if len(d) == 0 {
		return nil, fmt.Errorf("mean of empty series")
	}
	s := 0.0
	for _, v := range d {
		s += v
	}
	return []float64{s / float64(len(d))}, nil
}

func varianceKernel(_ context.Context, d []float64, _ map[string]interface{}) ([]float64, error) {
	if len(d) < 2 {
		return nil, fmt.Errorf("variance needs at least 2 values, got %d", len(d))
	}
	mean := 0.0
	for _, v := range d {
		mean += v
	}
	mean /= float64(len(d))
	ss := 0.0
	for _, v := range d {
		ss += (v - mean) * (v - mean)
	}
	return []float64{ss / float64(len(d)-1)}, nil
}

func stddevKernel(ctx context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
	v, err := varianceKernel(ctx, d, args)
	if err != nil {
		return nil, err
	}
	return []float64{math.Sqrt(v[0])}, nil
}

func cumsumKernel(_ context.Context, d []float64, _ map[string]interface{}) ([]float64, error) {
	out := make([]float64, len(d))
	s := 0.0
	for i, v := range d {
		s += v
		out[i] = s
	}
	return out, nil
}

func identityKernel(_ context.Context, d []float64, _ map[string]interface{}) ([]float64, error) {
	return append([]float64(nil), d...), nil
}

func scaleKernel(_ context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
	factor, err := argFloat(args, "factor", 1)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(d))
	for i, v := range d {
		out[i] = v * factor
	}
	return out, nil
}

func expoMovingAverage(_ context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
	alpha, err := argFloat(args, "alpha", 0.5)
	if err != nil {
		return nil, err
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha must be in [0,1], got %v", alpha)
	}
	if len(d) == 0 {
		return nil, nil
	}
	out := make([]float64, len(d))
	out[0] = d[0]
	for i := 1; i < len(d); i++ {
		out[i] = alpha*d[i] + (1-alpha)*out[i-1]
	}
	return out, nil
}

func simpleMovingAverage(_ context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
	window, err := argInt(args, "window", 5)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %d", window)
	}
	if len(d) < window {
		return []float64{}, nil
	}
	out := make([]float64, 0, len(d)-window+1)
	sum := 0.0
	for i, v := range d {
		sum += v
		if i >= window {
			sum -= d[i-window]
		}
		if i >= window-1 {
			out = append(out, sum/float64(window))
		}
	}
	return out, nil
}

func linearWeightedAverage(_ context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
	window, err := argInt(args, "window", 2)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(d))
	for i := range d {
		sum, weights := 0.0, 0.0
		for j := i - window; j <= i+window; j++ {
			if j < 0 || j >= len(d) {
				continue
			}
			w := math.Abs(float64(i - j))
			sum += d[j] * w
			weights += w
		}
		if weights == 0 {
			out[i] = d[i]
			continue
		}
		out[i] = sum / weights
	}
	return out, nil
}

func dspItrend(_ context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
	period, err := argInt(args, "period", 7)
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(d) == 0 {
		return nil, nil
	}
	seed := min(period, len(d))
	avg := 0.0
	for i := 0; i < seed; i++ {
		avg += d[i]
	}
	avg /= float64(seed)
	out := make([]float64, len(d))
	out[0] = avg
	k := 2 / float64(period+1)
	for i := 1; i < len(d); i++ {
		avg = (d[i]-avg)*k + avg
		out[i] = avg
	}
	return out, nil
}

func noiseSmoother(_ context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
	window, err := argInt(args, "window", 1)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(d))
	for i := range d {
		sum, count := 0.0, 0
		for j := i - window; j <= i+window; j++ {
			if j >= 0 && j < len(d) {
				sum += d[j]
				count++
			}
		}
		out[i] = sum / float64(count)
	}
	return out, nil
}

// matrixShape returns m, n, p for a product of an m×n and an n×p matrix packed
// back to back in d. Without explicit sizes both matrices are square.
func matrixShape(d []float64, args map[string]interface{}) (int, int, int, error) {
	if len(d)%2 != 0 && args["m"] == nil {
		return 0, 0, 0, fmt.Errorf("matrix data of length %d cannot hold two square matrices", len(d))
	}
	side := int(math.Sqrt(float64(len(d) / 2)))
	m, err := argInt(args, "m", side)
	if err != nil {
		return 0, 0, 0, err
	}
	n, err := argInt(args, "n", side)
	if err != nil {
		return 0, 0, 0, err
	}
	p, err := argInt(args, "p", side)
	if err != nil {
		return 0, 0, 0, err
	}
	if m <= 0 || n <= 0 || p <= 0 || m*n+n*p != len(d) {
		return 0, 0, 0, fmt.Errorf("sizes %dx%d and %dx%d do not match %d values", m, n, n, p, len(d))
	}
	return m, n, p, nil
}

func matrixMultiply(_ context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
	m, n, p, err := matrixShape(d, args)
	if err != nil {
		return nil, err
	}
	a, b := d[:m*n], d[m*n:]
	out := make([]float64, m*p)
	for i := 0; i < m; i++ {
		for j := 0; j < p; j++ {
			s := 0.0
			for k := 0; k < n; k++ {
				s += a[i*n+k] * b[k*p+j]
			}
			out[i*p+j] = s
		}
	}
	return out, nil
}

func matrixAdd(_ context.Context, d []float64, _ map[string]interface{}) ([]float64, error) {
	if len(d) == 0 || len(d)%2 != 0 {
		return nil, fmt.Errorf("matrix add needs two matrices of equal size, got %d values", len(d))
	}
	half := len(d) / 2
	out := make([]float64, half)
	for i := 0; i < half; i++ {
		out[i] = d[i] + d[half+i]
	}
	return out, nil
}
