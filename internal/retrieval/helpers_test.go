package retrieval

import (
	"context"
	"math"
	"strings"

	"github.com/zeebo/blake3"
)

const testDims = 64

// bagOfWordsEmbed is a deterministic, offline embedding: each lower-cased
// word adds weight to a hashed dimension.
func bagOfWordsEmbed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDims)
	vec[0] = 0.01
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,:;!?\"'()[]")
		if w == "" {
			continue
		}
		sum := blake3.Sum256([]byte(w))
		vec[1+int(sum[0])%(testDims-1)] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
