package model

import "math"

// Softmax turns n rows of k logits into probability rows.
func Softmax(logits []float32, n, k int) [][]float32 {
	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := logits[i*k : (i+1)*k]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		probs := make([]float32, k)
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxV))
			probs[j] = float32(e)
			sum += e
		}
		for j := range probs {
			probs[j] = float32(float64(probs[j]) / sum)
		}
		out[i] = probs
	}
	return out
}

// Argmax returns the index of the largest value, the first on ties.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
