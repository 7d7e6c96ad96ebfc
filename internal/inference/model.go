package inference

import (
	"fmt"
	"math"
	"math/rand"
)

// modelConfig describes a llama-architecture checkpoint. Every field comes
// from the model file's own metadata.
type modelConfig struct {
	Dim        int
	HiddenDim  int
	Layers     int
	Heads      int
	KVHeads    int
	VocabSize  int
	ContextLen int
	RopeTheta  float64
	RMSEps     float32
}

func (c *modelConfig) headSize() int { return c.Dim / c.Heads }
func (c *modelConfig) kvDim() int    { return c.Dim * c.KVHeads / c.Heads }

// layerWeights holds one transformer block's dense matrices, row-major.
type layerWeights struct {
	AttnNorm []float32 // [dim]
	WQ       []float32 // [dim × dim]
	WK       []float32 // [kvDim × dim]
	WV       []float32 // [kvDim × dim]
	WO       []float32 // [dim × dim]
	FFNNorm  []float32 // [dim]
	WGate    []float32 // [hiddenDim × dim]
	WDown    []float32 // [dim × hiddenDim]
	WUp      []float32 // [hiddenDim × dim]
}

// modelWeights is the full checkpoint in float32.
type modelWeights struct {
	TokenEmbedding []float32 // [vocab × dim]
	Layers         []layerWeights
	FinalNorm      []float32 // [dim]
	Output         []float32 // [vocab × dim]; may alias TokenEmbedding (tied)
}

// kvCache is the attention cache: keys and values per layer per position.
// It is a first-class object so that clearing it is reconstruction, not
// mutation.
type kvCache struct {
	keys   [][]float32 // [layers][ctx × kvDim]
	values [][]float32
}

func newKVCache(cfg *modelConfig) *kvCache {
	c := &kvCache{
		keys:   make([][]float32, cfg.Layers),
		values: make([][]float32, cfg.Layers),
	}
	for l := range cfg.Layers {
		c.keys[l] = make([]float32, cfg.ContextLen*cfg.kvDim())
		c.values[l] = make([]float32, cfg.ContextLen*cfg.kvDim())
	}
	return c
}

// runState holds the scratch buffers of one forward pass, reused across
// tokens to keep the hot path allocation-free.
type runState struct {
	x      []float32
	xb     []float32
	xb2    []float32
	q      []float32
	k      []float32
	v      []float32
	att    []float32
	hb     []float32
	hb2    []float32
	logits []float32
}

func newRunState(cfg *modelConfig) *runState {
	return &runState{
		x:      make([]float32, cfg.Dim),
		xb:     make([]float32, cfg.Dim),
		xb2:    make([]float32, cfg.Dim),
		q:      make([]float32, cfg.Dim),
		k:      make([]float32, cfg.kvDim()),
		v:      make([]float32, cfg.kvDim()),
		att:    make([]float32, cfg.ContextLen),
		hb:     make([]float32, cfg.HiddenDim),
		hb2:    make([]float32, cfg.HiddenDim),
		logits: make([]float32, cfg.VocabSize),
	}
}

// model is the executable checkpoint: config + weights + cache + scratch.
type model struct {
	cfg     modelConfig
	weights *modelWeights
	cache   *kvCache
	state   *runState
}

func newModel(cfg modelConfig, weights *modelWeights) *model {
	return &model{
		cfg:     cfg,
		weights: weights,
		cache:   newKVCache(&cfg),
		state:   newRunState(&cfg),
	}
}

// resetCache replaces the KV cache with a fresh one.
func (m *model) resetCache() {
	m.cache = newKVCache(&m.cfg)
}

// forward runs one token at position pos through the network and returns
// the logits slice (owned by the model's run state — copy before reuse).
func (m *model) forward(token, pos int) ([]float32, error) {
	cfg := &m.cfg
	if token < 0 || token >= cfg.VocabSize {
		return nil, fmt.Errorf("token %d out of vocabulary (size %d)", token, cfg.VocabSize)
	}
	if pos < 0 || pos >= cfg.ContextLen {
		return nil, fmt.Errorf("position %d outside context length %d", pos, cfg.ContextLen)
	}

	s := m.state
	w := m.weights
	dim := cfg.Dim
	kvDim := cfg.kvDim()
	headSize := cfg.headSize()
	kvMul := cfg.Heads / cfg.KVHeads

	copy(s.x, w.TokenEmbedding[token*dim:(token+1)*dim])

	for l := range cfg.Layers {
		layer := &w.Layers[l]

		// Attention block.
		rmsNorm(s.xb, s.x, layer.AttnNorm, cfg.RMSEps)
		matVec(s.q, layer.WQ, s.xb, dim, dim)
		matVec(s.k, layer.WK, s.xb, kvDim, dim)
		matVec(s.v, layer.WV, s.xb, kvDim, dim)

		applyRoPE(s.q, s.k, headSize, pos, cfg.RopeTheta)

		copy(m.cache.keys[l][pos*kvDim:(pos+1)*kvDim], s.k)
		copy(m.cache.values[l][pos*kvDim:(pos+1)*kvDim], s.v)

		for h := range cfg.Heads {
			q := s.q[h*headSize : (h+1)*headSize]
			kvHead := h / kvMul
			att := s.att[:pos+1]
			for t := 0; t <= pos; t++ {
				k := m.cache.keys[l][t*kvDim+kvHead*headSize : t*kvDim+(kvHead+1)*headSize]
				var score float32
				for i := range q {
					score += q[i] * k[i]
				}
				att[t] = score / sqrtF32(headSize)
			}
			softmaxInPlace(att, pos+1)

			out := s.xb[h*headSize : (h+1)*headSize]
			for i := range out {
				out[i] = 0
			}
			for t := 0; t <= pos; t++ {
				v := m.cache.values[l][t*kvDim+kvHead*headSize : t*kvDim+(kvHead+1)*headSize]
				a := att[t]
				for i := range out {
					out[i] += a * v[i]
				}
			}
		}

		matVec(s.xb2, layer.WO, s.xb, dim, dim)
		for i := range s.x {
			s.x[i] += s.xb2[i]
		}

		// SwiGLU feed-forward block.
		rmsNorm(s.xb, s.x, layer.FFNNorm, cfg.RMSEps)
		matVec(s.hb, layer.WGate, s.xb, cfg.HiddenDim, dim)
		matVec(s.hb2, layer.WUp, s.xb, cfg.HiddenDim, dim)
		for i := range s.hb {
			s.hb[i] = silu(s.hb[i]) * s.hb2[i]
		}
		matVec(s.xb2, layer.WDown, s.hb, dim, cfg.HiddenDim)
		for i := range s.x {
			s.x[i] += s.xb2[i]
		}
	}

	rmsNorm(s.x, s.x, w.FinalNorm, cfg.RMSEps)
	matVec(s.logits, w.Output, s.x, cfg.VocabSize, dim)
	return s.logits, nil
}

func sqrtF32(n int) float32 {
	return float32(math.Sqrt(float64(n)))
}

// sampleToken picks the next token from logits. Temperature 0 is greedy;
// otherwise the logits are scaled, softmaxed, and sampled.
func sampleToken(logits []float32, temperature float64, rng *rand.Rand) int {
	if temperature <= 0 {
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		return best
	}

	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = v / float32(temperature)
	}
	softmaxInPlace(scaled, len(scaled))

	r := float32(rng.Float64())
	var cum float32
	for i, p := range scaled {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(logits) - 1
}
