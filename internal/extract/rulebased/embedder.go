package rulebased

import (
	"context"
	"hash/fnv"
	"math"
)

// HashEmbedder produces deterministic pseudo-embeddings by hashing token
// n-grams into a fixed-dimension vector. Good enough for wiring and tests;
// not a semantic embedding.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

// GetEmbeddings returns one L2-normalised vector per input text.
func (e *HashEmbedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.dim)
		for j := 0; j+3 <= len(text); j++ {
			h := fnv.New32a()
			h.Write([]byte(text[j : j+3]))
			sum := h.Sum32()
			idx := int(sum) % e.dim
			if idx < 0 {
				idx += e.dim
			}
			if sum&1 == 0 {
				vec[idx]++
			} else {
				vec[idx]--
			}
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for k := range vec {
				vec[k] *= scale
			}
		}
		out[i] = vec
	}
	return out, nil
}
