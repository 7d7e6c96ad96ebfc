package inference

import (
	"fmt"
	goruntime "runtime"
)

// prefillSyncInterval: during token-by-token prefill the worker yields to
// the scheduler every this many tokens so a long prompt cannot starve the
// cooperative pool.
const prefillSyncInterval = 64

// GGUFBackend serves llama-family quantized GGUF checkpoints.
//
// Prefill is token-by-token: every forward call has sequence length one,
// which keeps attention on the single-position fast path. The KV cache is
// internal to the loaded weights' run state; clearing it reloads the
// weight file, which is fast because the file is already in the OS page
// cache.
type GGUFBackend struct {
	modelID      string
	path         string
	architecture string
	eosTokens    []int
	tokenizer    *VocabTokenizer
	model        *model
}

// Compile-time check.
var _ Backend = (*GGUFBackend)(nil)

// LoadGGUF loads a GGUF checkpoint. Context length, architecture, EOS
// tokens, and the vocabulary all come from the file's metadata.
func LoadGGUF(modelID, path string) (*GGUFBackend, error) {
	file, err := parseGGUF(path)
	if err != nil {
		return nil, fmt.Errorf("load gguf %s: %w", path, err)
	}

	arch, ok := file.metaString("general.architecture")
	if !ok {
		return nil, fmt.Errorf("gguf %s: missing general.architecture", path)
	}

	cfg, err := ggufModelConfig(file, arch)
	if err != nil {
		return nil, fmt.Errorf("gguf %s: %w", path, err)
	}

	weights, err := ggufWeights(file, cfg)
	if err != nil {
		return nil, fmt.Errorf("gguf %s: %w", path, err)
	}

	tokens, ok := file.metaStrings("tokenizer.ggml.tokens")
	if !ok {
		return nil, fmt.Errorf("gguf %s: missing tokenizer.ggml.tokens", path)
	}
	bos := -1
	if v, ok := file.metaUint("tokenizer.ggml.bos_token_id"); ok {
		bos = int(v)
	}

	return &GGUFBackend{
		modelID:      modelID,
		path:         path,
		architecture: arch,
		eosTokens:    ggufEOSTokens(file),
		tokenizer:    NewVocabTokenizer(tokens, bos),
		model:        newModel(cfg, weights),
	}, nil
}

// ggufEOSTokens reads the declared EOS ids. Llama 3 files declaring
// <|end_of_text|> also stop at <|eot_id|>.
func ggufEOSTokens(file *ggufFile) []int {
	eos, ok := file.metaUint("tokenizer.ggml.eos_token_id")
	if !ok {
		return []int{128009}
	}
	if eos == 128001 {
		return []int{128001, 128009}
	}
	return []int{int(eos)}
}

func ggufModelConfig(file *ggufFile, arch string) (modelConfig, error) {
	need := func(key string) (int, error) {
		v, ok := file.metaUint(arch + "." + key)
		if !ok {
			return 0, fmt.Errorf("missing metadata %s.%s", arch, key)
		}
		return int(v), nil
	}

	var cfg modelConfig
	var err error
	if cfg.ContextLen, err = need("context_length"); err != nil {
		return cfg, err
	}
	if cfg.Dim, err = need("embedding_length"); err != nil {
		return cfg, err
	}
	if cfg.Layers, err = need("block_count"); err != nil {
		return cfg, err
	}
	if cfg.Heads, err = need("attention.head_count"); err != nil {
		return cfg, err
	}
	if cfg.HiddenDim, err = need("feed_forward_length"); err != nil {
		return cfg, err
	}

	cfg.KVHeads = cfg.Heads
	if v, ok := file.metaUint(arch + ".attention.head_count_kv"); ok {
		cfg.KVHeads = int(v)
	}
	cfg.RopeTheta = 10000
	if v, ok := file.metaFloat(arch + ".rope.freq_base"); ok {
		cfg.RopeTheta = v
	}
	cfg.RMSEps = 1e-5
	if v, ok := file.metaFloat(arch + ".attention.layer_norm_rms_epsilon"); ok {
		cfg.RMSEps = float32(v)
	}

	if tokens, ok := file.metaStrings("tokenizer.ggml.tokens"); ok {
		cfg.VocabSize = len(tokens)
	}
	if cfg.VocabSize == 0 {
		return cfg, fmt.Errorf("missing vocabulary")
	}
	return cfg, nil
}

func ggufWeights(file *ggufFile, cfg modelConfig) (*modelWeights, error) {
	w := &modelWeights{Layers: make([]layerWeights, cfg.Layers)}

	var err error
	load := func(name string) []float32 {
		if err != nil {
			return nil
		}
		var t []float32
		if t, err = file.tensorF32(name); err != nil {
			return nil
		}
		return t
	}

	w.TokenEmbedding = load("token_embd.weight")
	w.FinalNorm = load("output_norm.weight")
	for l := range cfg.Layers {
		prefix := fmt.Sprintf("blk.%d.", l)
		layer := &w.Layers[l]
		layer.AttnNorm = load(prefix + "attn_norm.weight")
		layer.WQ = load(prefix + "attn_q.weight")
		layer.WK = load(prefix + "attn_k.weight")
		layer.WV = load(prefix + "attn_v.weight")
		layer.WO = load(prefix + "attn_output.weight")
		layer.FFNNorm = load(prefix + "ffn_norm.weight")
		layer.WGate = load(prefix + "ffn_gate.weight")
		layer.WDown = load(prefix + "ffn_down.weight")
		layer.WUp = load(prefix + "ffn_up.weight")
	}
	if err != nil {
		return nil, err
	}

	// The output head is tied to the embedding when absent.
	if _, ok := file.Tensors["output.weight"]; ok {
		w.Output = load("output.weight")
		if err != nil {
			return nil, err
		}
	} else {
		w.Output = w.TokenEmbedding
	}
	return w, nil
}

// ModelID implements Backend.
func (b *GGUFBackend) ModelID() string { return b.modelID }

// Architecture implements Backend.
func (b *GGUFBackend) Architecture() string { return b.architecture }

// ContextLength implements Backend.
func (b *GGUFBackend) ContextLength() int { return b.model.cfg.ContextLen }

// EOSTokenIDs implements Backend.
func (b *GGUFBackend) EOSTokenIDs() []int { return b.eosTokens }

// Format implements Backend.
func (b *GGUFBackend) Format() ModelFormat { return FormatGGUF }

// Prefill implements Backend: token-by-token so every forward has
// sequence length one, yielding to the scheduler every 64 tokens.
func (b *GGUFBackend) Prefill(tokens []int) ([]float32, error) {
	var logits []float32
	var err error
	for i, tok := range tokens {
		logits, err = b.model.forward(tok, i)
		if err != nil {
			return nil, err
		}
		if (i+1)%prefillSyncInterval == 0 {
			goruntime.Gosched()
		}
	}
	return logits, nil
}

// Forward implements Backend.
func (b *GGUFBackend) Forward(token, position int) ([]float32, error) {
	return b.model.forward(token, position)
}

// ClearCache implements Backend by reloading the weight file: the cache
// state lives inside the loaded run state, and a reload through the OS
// page cache is cheap.
func (b *GGUFBackend) ClearCache() error {
	reloaded, err := LoadGGUF(b.modelID, b.path)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	b.model = reloaded.model
	return nil
}

// Tokenize implements Backend.
func (b *GGUFBackend) Tokenize(text string) ([]int, error) {
	return b.tokenizer.Encode(text)
}

// Decode implements Backend.
func (b *GGUFBackend) Decode(tokens []int) (string, error) {
	return b.tokenizer.Decode(tokens)
}

// SupportsLoRA implements Backend: quantized weights cannot take low-rank
// updates without dequantising the whole checkpoint.
func (b *GGUFBackend) SupportsLoRA() bool { return false }

// RebuildWithLoRA implements Backend.
func (b *GGUFBackend) RebuildWithLoRA([]LoRAAdapter) error {
	return fmt.Errorf("gguf backend does not support LoRA")
}

// ReloadBase implements Backend.
func (b *GGUFBackend) ReloadBase() error { return b.ClearCache() }
