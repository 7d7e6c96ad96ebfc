package inference

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// metalContextCap caps the practical context for the full-precision path;
// files declaring more are clamped to this.
const metalContextCap = 2048

// SafetensorsBackend serves full-precision llama-family checkpoints.
//
// Prefill runs one single-token forward per prompt position; it does not
// batch the prompt into one forward. The KV cache is a first-class object
// cleared by reconstruction. LoRA is applied by recomposing the model from
// the base safetensors plus each adapter's (A, B, scale) per targeted
// layer; ReloadBase reconstructs from the base weights only.
type SafetensorsBackend struct {
	modelID   string
	path      string
	tokenizer Tokenizer
	cfg       modelConfig
	model     *model
	eosTokens []int
	adapters  []LoRAAdapter
}

// Compile-time check.
var _ Backend = (*SafetensorsBackend)(nil)

// SafetensorsConfig supplies what the weight file does not carry: the
// tokenizer (tokenizer file formats are external to the core) and the
// declared EOS ids.
type SafetensorsConfig struct {
	Tokenizer Tokenizer
	EOSTokens []int
}

// eosDefault applies when the caller declares nothing.
var eosDefault = []int{2}

// configJSON is the subset of a checkpoint's config.json the backend needs.
type configJSON struct {
	HiddenSize       int     `json:"hidden_size"`
	IntermediateSize int     `json:"intermediate_size"`
	NumLayers        int     `json:"num_hidden_layers"`
	NumHeads         int     `json:"num_attention_heads"`
	NumKVHeads       int     `json:"num_key_value_heads"`
	VocabSize        int     `json:"vocab_size"`
	MaxPosition      int     `json:"max_position_embeddings"`
	RopeTheta        float64 `json:"rope_theta"`
	RMSNormEps       float64 `json:"rms_norm_eps"`
	EOSTokenID       int     `json:"eos_token_id"`
}

// eos holds the backend's declared EOS ids.
type eos struct{ ids []int }

// LoadSafetensors loads a full-precision checkpoint directory (weights in
// model.safetensors, dimensions in config.json alongside).
func LoadSafetensors(modelID, path string, cfg SafetensorsConfig) (*SafetensorsBackend, error) {
	if cfg.Tokenizer == nil {
		return nil, fmt.Errorf("safetensors backend requires a tokenizer")
	}

	mc, eosID, err := readConfigJSON(path)
	if err != nil {
		return nil, fmt.Errorf("load safetensors %s: %w", path, err)
	}
	// The declared context can exceed what the device handles; clamp.
	if mc.ContextLen > metalContextCap {
		mc.ContextLen = metalContextCap
	}

	weights, err := loadSafetensorsWeights(path, mc)
	if err != nil {
		return nil, fmt.Errorf("load safetensors %s: %w", path, err)
	}

	eosTokens := cfg.EOSTokens
	if len(eosTokens) == 0 {
		if eosID > 0 {
			eosTokens = []int{eosID}
		} else {
			eosTokens = eosDefault
		}
	}

	return &SafetensorsBackend{
		modelID:   modelID,
		path:      path,
		tokenizer: cfg.Tokenizer,
		cfg:       mc,
		model:     newModel(mc, weights),
		eosTokens: eosTokens,
	}, nil
}

func readConfigJSON(path string) (modelConfig, int, error) {
	raw, err := os.ReadFile(filepath.Join(path, "config.json"))
	if err != nil {
		return modelConfig{}, 0, fmt.Errorf("config.json: %w", err)
	}
	var cj configJSON
	if err := json.Unmarshal(raw, &cj); err != nil {
		return modelConfig{}, 0, fmt.Errorf("config.json: %w", err)
	}
	if cj.HiddenSize == 0 || cj.NumLayers == 0 || cj.NumHeads == 0 || cj.VocabSize == 0 {
		return modelConfig{}, 0, fmt.Errorf("config.json missing required dimensions")
	}

	mc := modelConfig{
		Dim:        cj.HiddenSize,
		HiddenDim:  cj.IntermediateSize,
		Layers:     cj.NumLayers,
		Heads:      cj.NumHeads,
		KVHeads:    cj.NumKVHeads,
		VocabSize:  cj.VocabSize,
		ContextLen: cj.MaxPosition,
		RopeTheta:  cj.RopeTheta,
		RMSEps:     float32(cj.RMSNormEps),
	}
	if mc.KVHeads == 0 {
		mc.KVHeads = mc.Heads
	}
	if mc.RopeTheta == 0 {
		mc.RopeTheta = 10000
	}
	if mc.RMSEps == 0 {
		mc.RMSEps = 1e-5
	}
	return mc, cj.EOSTokenID, nil
}

func loadSafetensorsWeights(path string, cfg modelConfig) (*modelWeights, error) {
	file, err := parseSafetensors(path)
	if err != nil {
		return nil, err
	}

	w := &modelWeights{Layers: make([]layerWeights, cfg.Layers)}
	load := func(name string) ([]float32, error) { return file.tensorF32(name) }

	if w.TokenEmbedding, err = load("model.embed_tokens.weight"); err != nil {
		return nil, err
	}
	if w.FinalNorm, err = load("model.norm.weight"); err != nil {
		return nil, err
	}
	for l := range cfg.Layers {
		prefix := fmt.Sprintf("model.layers.%d.", l)
		layer := &w.Layers[l]
		fields := []struct {
			dst  *[]float32
			name string
		}{
			{&layer.AttnNorm, prefix + "input_layernorm.weight"},
			{&layer.WQ, prefix + "self_attn.q_proj.weight"},
			{&layer.WK, prefix + "self_attn.k_proj.weight"},
			{&layer.WV, prefix + "self_attn.v_proj.weight"},
			{&layer.WO, prefix + "self_attn.o_proj.weight"},
			{&layer.FFNNorm, prefix + "post_attention_layernorm.weight"},
			{&layer.WGate, prefix + "mlp.gate_proj.weight"},
			{&layer.WDown, prefix + "mlp.down_proj.weight"},
			{&layer.WUp, prefix + "mlp.up_proj.weight"},
		}
		for _, f := range fields {
			if *f.dst, err = load(f.name); err != nil {
				return nil, err
			}
		}
	}
	if file.has("lm_head.weight") {
		if w.Output, err = load("lm_head.weight"); err != nil {
			return nil, err
		}
	} else {
		w.Output = w.TokenEmbedding
	}
	return w, nil
}

// ModelID implements Backend.
func (b *SafetensorsBackend) ModelID() string { return b.modelID }

// Architecture implements Backend.
func (b *SafetensorsBackend) Architecture() string { return "llama" }

// ContextLength implements Backend.
func (b *SafetensorsBackend) ContextLength() int { return b.cfg.ContextLen }

// EOSTokenIDs implements Backend.
func (b *SafetensorsBackend) EOSTokenIDs() []int { return b.eosTokens }

// Format implements Backend.
func (b *SafetensorsBackend) Format() ModelFormat { return FormatSafetensors }

// Prefill implements Backend: one forward per prompt token, in order,
// filling the KV cache position by position. The prompt is not processed
// as a single batch.
func (b *SafetensorsBackend) Prefill(tokens []int) ([]float32, error) {
	var logits []float32
	var err error
	for i, tok := range tokens {
		logits, err = b.model.forward(tok, i)
		if err != nil {
			return nil, err
		}
	}
	return logits, nil
}

// Forward implements Backend.
func (b *SafetensorsBackend) Forward(token, position int) ([]float32, error) {
	return b.model.forward(token, position)
}

// ClearCache implements Backend: the cache is a first-class object and is
// cleared by reconstruction.
func (b *SafetensorsBackend) ClearCache() error {
	b.model.resetCache()
	return nil
}

// Tokenize implements Backend.
func (b *SafetensorsBackend) Tokenize(text string) ([]int, error) {
	return b.tokenizer.Encode(text)
}

// Decode implements Backend.
func (b *SafetensorsBackend) Decode(tokens []int) (string, error) {
	return b.tokenizer.Decode(tokens)
}

// SupportsLoRA implements Backend.
func (b *SafetensorsBackend) SupportsLoRA() bool { return true }

// RebuildWithLoRA implements Backend: reconstruct from base weights, then
// merge each adapter in order.
func (b *SafetensorsBackend) RebuildWithLoRA(adapters []LoRAAdapter) error {
	weights, err := loadSafetensorsWeights(b.path, b.cfg)
	if err != nil {
		return fmt.Errorf("rebuild with lora: reload base: %w", err)
	}
	for _, adapter := range adapters {
		if !adapter.Active {
			continue
		}
		if err := applyLoRA(weights, &b.cfg, adapter); err != nil {
			return fmt.Errorf("rebuild with lora: adapter %s: %w", adapter.AdapterID, err)
		}
	}
	b.model = newModel(b.cfg, weights)
	b.adapters = append([]LoRAAdapter(nil), adapters...)
	return nil
}

// ReloadBase implements Backend: reconstruct from the base weights only.
func (b *SafetensorsBackend) ReloadBase() error {
	weights, err := loadSafetensorsWeights(b.path, b.cfg)
	if err != nil {
		return fmt.Errorf("reload base: %w", err)
	}
	b.model = newModel(b.cfg, weights)
	b.adapters = nil
	return nil
}

// ActiveAdapters lists the adapters last applied.
func (b *SafetensorsBackend) ActiveAdapters() []LoRAAdapter {
	return append([]LoRAAdapter(nil), b.adapters...)
}

// layerMatrix resolves a HF layer name ("model.layers.N.<suffix>") to the
// weight slice and its dimensions within the loaded model.
func layerMatrix(w *modelWeights, cfg *modelConfig, name string) (mat []float32, rows, cols int, ok bool) {
	rest, found := strings.CutPrefix(name, "model.layers.")
	if !found {
		return nil, 0, 0, false
	}
	dot := strings.Index(rest, ".")
	if dot < 0 {
		return nil, 0, 0, false
	}
	var layerIdx int
	if _, err := fmt.Sscanf(rest[:dot], "%d", &layerIdx); err != nil {
		return nil, 0, 0, false
	}
	if layerIdx < 0 || layerIdx >= len(w.Layers) {
		return nil, 0, 0, false
	}
	suffix := rest[dot+1:]

	layer := &w.Layers[layerIdx]
	kv := cfg.kvDim()
	switch suffix {
	case "self_attn.q_proj":
		return layer.WQ, cfg.Dim, cfg.Dim, true
	case "self_attn.k_proj":
		return layer.WK, kv, cfg.Dim, true
	case "self_attn.v_proj":
		return layer.WV, kv, cfg.Dim, true
	case "self_attn.o_proj":
		return layer.WO, cfg.Dim, cfg.Dim, true
	case "mlp.gate_proj":
		return layer.WGate, cfg.HiddenDim, cfg.Dim, true
	case "mlp.down_proj":
		return layer.WDown, cfg.Dim, cfg.HiddenDim, true
	case "mlp.up_proj":
		return layer.WUp, cfg.HiddenDim, cfg.Dim, true
	default:
		return nil, 0, 0, false
	}
}
