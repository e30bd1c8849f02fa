package embedders

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalEmbedder is a deterministic feature-hashing encoder. It needs no
// network or API key, which keeps single-file deployments self-contained.
// Quality is far below a learned model; it preserves lexical similarity
// only. Vectors are L2-normalized so cosine distance behaves.
type LocalEmbedder struct {
	dimension int
}

func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &LocalEmbedder{dimension: dimension}
}

func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)

	tokens := tokenize(text)
	for i, token := range tokens {
		e.addFeature(vec, token, 1.0)
		// Bigrams capture a little word order.
		if i+1 < len(tokens) {
			e.addFeature(vec, token+"_"+tokens[i+1], 0.5)
		}
	}

	normalize(vec)
	return vec, nil
}

// addFeature hashes the feature into a bucket; a second hash picks the sign
// so collisions cancel rather than accumulate.
func (e *LocalEmbedder) addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	bucket := int(sum % uint64(e.dimension))
	if (sum>>32)&1 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
