package utils

import "math"

// NormalizeL2 scales the vector in place to unit L2 norm so that dot
// products between normalized vectors are cosine similarities.
// Zero vectors are left unchanged.
func NormalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
