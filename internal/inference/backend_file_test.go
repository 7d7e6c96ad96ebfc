package inference

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// Synthetic checkpoint fixtures: a tiny llama-shaped model written as a
// real GGUF file and a real safetensors directory, so the loaders, the
// forward pass, and the LoRA merge run against genuine file bytes.

const (
	tinyDim    = 8
	tinyHidden = 16
	tinyLayers = 1
	tinyHeads  = 2
	tinyCtx    = 32
)

func tinyVocab() []string {
	vocab := []string{"<s>", "</s>"}
	for b := range 256 {
		vocab = append(vocab, fmt.Sprintf("<0x%02X>", b))
	}
	return vocab
}

func randTensor(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32() - 0.5) * 0.2
	}
	return out
}

// ── GGUF writer ──────────────────────────────────────────────────────────────

type ggufWriter struct {
	meta    bytes.Buffer
	kvCount uint64
	tensors []struct {
		name string
		dims []uint64
		data []float32
	}
}

func (w *ggufWriter) writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func (w *ggufWriter) kvUint32(key string, v uint32) {
	w.writeString(&w.meta, key)
	binary.Write(&w.meta, binary.LittleEndian, uint32(ggufTypeUint32))
	binary.Write(&w.meta, binary.LittleEndian, v)
	w.kvCount++
}

func (w *ggufWriter) kvFloat32(key string, v float32) {
	w.writeString(&w.meta, key)
	binary.Write(&w.meta, binary.LittleEndian, uint32(ggufTypeFloat32))
	binary.Write(&w.meta, binary.LittleEndian, v)
	w.kvCount++
}

func (w *ggufWriter) kvString(key, v string) {
	w.writeString(&w.meta, key)
	binary.Write(&w.meta, binary.LittleEndian, uint32(ggufTypeString))
	w.writeString(&w.meta, v)
	w.kvCount++
}

func (w *ggufWriter) kvStringArray(key string, values []string) {
	w.writeString(&w.meta, key)
	binary.Write(&w.meta, binary.LittleEndian, uint32(ggufTypeArray))
	binary.Write(&w.meta, binary.LittleEndian, uint32(ggufTypeString))
	binary.Write(&w.meta, binary.LittleEndian, uint64(len(values)))
	for _, v := range values {
		w.writeString(&w.meta, v)
	}
	w.kvCount++
}

func (w *ggufWriter) tensor(name string, dims []uint64, data []float32) {
	w.tensors = append(w.tensors, struct {
		name string
		dims []uint64
		data []float32
	}{name, dims, data})
}

func (w *ggufWriter) writeTo(path string) error {
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(ggufMagic))
	binary.Write(&out, binary.LittleEndian, uint32(3))
	binary.Write(&out, binary.LittleEndian, uint64(len(w.tensors)))
	binary.Write(&out, binary.LittleEndian, w.kvCount)
	out.Write(w.meta.Bytes())

	var offset uint64
	for _, t := range w.tensors {
		w.writeString(&out, t.name)
		binary.Write(&out, binary.LittleEndian, uint32(len(t.dims)))
		for _, d := range t.dims {
			binary.Write(&out, binary.LittleEndian, d)
		}
		binary.Write(&out, binary.LittleEndian, uint32(ggmlTypeF32))
		binary.Write(&out, binary.LittleEndian, offset)
		offset += uint64(len(t.data) * 4)
	}

	// Align to 32 bytes, then the data section.
	for out.Len()%32 != 0 {
		out.WriteByte(0)
	}
	for _, t := range w.tensors {
		for _, v := range t.data {
			binary.Write(&out, binary.LittleEndian, math.Float32bits(v))
		}
	}
	return os.WriteFile(path, out.Bytes(), 0o644)
}

func writeTinyGGUF(t *testing.T, seed int64) string {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	vocab := tinyVocab()

	w := &ggufWriter{}
	w.kvString("general.architecture", "llama")
	w.kvUint32("llama.context_length", tinyCtx)
	w.kvUint32("llama.embedding_length", tinyDim)
	w.kvUint32("llama.block_count", tinyLayers)
	w.kvUint32("llama.attention.head_count", tinyHeads)
	w.kvUint32("llama.attention.head_count_kv", tinyHeads)
	w.kvUint32("llama.feed_forward_length", tinyHidden)
	w.kvFloat32("llama.rope.freq_base", 10000)
	w.kvFloat32("llama.attention.layer_norm_rms_epsilon", 1e-5)
	w.kvStringArray("tokenizer.ggml.tokens", vocab)
	w.kvUint32("tokenizer.ggml.bos_token_id", 0)
	w.kvUint32("tokenizer.ggml.eos_token_id", 1)

	vocabSize := len(vocab)
	w.tensor("token_embd.weight", []uint64{uint64(vocabSize), tinyDim}, randTensor(rng, vocabSize*tinyDim))
	w.tensor("output_norm.weight", []uint64{tinyDim}, randTensor(rng, tinyDim))
	w.tensor("blk.0.attn_norm.weight", []uint64{tinyDim}, randTensor(rng, tinyDim))
	w.tensor("blk.0.attn_q.weight", []uint64{tinyDim, tinyDim}, randTensor(rng, tinyDim*tinyDim))
	w.tensor("blk.0.attn_k.weight", []uint64{tinyDim, tinyDim}, randTensor(rng, tinyDim*tinyDim))
	w.tensor("blk.0.attn_v.weight", []uint64{tinyDim, tinyDim}, randTensor(rng, tinyDim*tinyDim))
	w.tensor("blk.0.attn_output.weight", []uint64{tinyDim, tinyDim}, randTensor(rng, tinyDim*tinyDim))
	w.tensor("blk.0.ffn_norm.weight", []uint64{tinyDim}, randTensor(rng, tinyDim))
	w.tensor("blk.0.ffn_gate.weight", []uint64{tinyHidden, tinyDim}, randTensor(rng, tinyHidden*tinyDim))
	w.tensor("blk.0.ffn_down.weight", []uint64{tinyDim, tinyHidden}, randTensor(rng, tinyDim*tinyHidden))
	w.tensor("blk.0.ffn_up.weight", []uint64{tinyHidden, tinyDim}, randTensor(rng, tinyHidden*tinyDim))

	path := filepath.Join(t.TempDir(), "tiny.gguf")
	if err := w.writeTo(path); err != nil {
		t.Fatalf("write gguf: %v", err)
	}
	return path
}

// ── safetensors writer ───────────────────────────────────────────────────────

func writeSafetensors(t *testing.T, path string, tensors map[string][]float32, shapes map[string][]uint64) {
	t.Helper()

	header := map[string]any{}
	var data bytes.Buffer
	// Deterministic order keeps offsets stable.
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	// Simple insertion sort; the fixture has a handful of tensors.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}

	for _, name := range names {
		start := data.Len()
		for _, v := range tensors[name] {
			binary.Write(&data, binary.LittleEndian, math.Float32bits(v))
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        shapes[name],
			"data_offsets": []int{start, data.Len()},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint64(len(headerJSON)))
	out.Write(headerJSON)
	out.Write(data.Bytes())
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatalf("write safetensors: %v", err)
	}
}

func writeTinySafetensorsDir(t *testing.T, seed int64) string {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	dir := t.TempDir()
	vocabSize := len(tinyVocab())

	config := map[string]any{
		"hidden_size":             tinyDim,
		"intermediate_size":       tinyHidden,
		"num_hidden_layers":       tinyLayers,
		"num_attention_heads":     tinyHeads,
		"num_key_value_heads":     tinyHeads,
		"vocab_size":              vocabSize,
		"max_position_embeddings": tinyCtx,
		"rope_theta":              10000.0,
		"rms_norm_eps":            1e-5,
		"eos_token_id":            1,
	}
	raw, _ := json.Marshal(config)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	tensors := map[string][]float32{
		"model.embed_tokens.weight": randTensor(rng, vocabSize*tinyDim),
		"model.norm.weight":         randTensor(rng, tinyDim),
	}
	shapes := map[string][]uint64{
		"model.embed_tokens.weight": {uint64(vocabSize), tinyDim},
		"model.norm.weight":         {tinyDim},
	}
	layer := "model.layers.0."
	vec := func(name string, n int) {
		full := layer + name + ".weight"
		tensors[full] = randTensor(rng, n)
		shapes[full] = []uint64{uint64(n)}
	}
	mat := func(name string, rows, cols int) {
		full := layer + name + ".weight"
		tensors[full] = randTensor(rng, rows*cols)
		shapes[full] = []uint64{uint64(rows), uint64(cols)}
	}
	vec("input_layernorm", tinyDim)
	mat("self_attn.q_proj", tinyDim, tinyDim)
	mat("self_attn.k_proj", tinyDim, tinyDim)
	mat("self_attn.v_proj", tinyDim, tinyDim)
	mat("self_attn.o_proj", tinyDim, tinyDim)
	vec("post_attention_layernorm", tinyDim)
	mat("mlp.gate_proj", tinyHidden, tinyDim)
	mat("mlp.down_proj", tinyDim, tinyHidden)
	mat("mlp.up_proj", tinyHidden, tinyDim)

	writeSafetensors(t, filepath.Join(dir, "model.safetensors"), tensors, shapes)
	return dir
}

// ── GGUF backend ─────────────────────────────────────────────────────────────

func TestLoadGGUFReadsMetadataFromFile(t *testing.T) {
	t.Parallel()

	backend, err := LoadGGUF("tiny", writeTinyGGUF(t, 1))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if backend.Architecture() != "llama" {
		t.Fatalf("architecture: %s", backend.Architecture())
	}
	if backend.ContextLength() != tinyCtx {
		t.Fatalf("context length must come from the file, got %d", backend.ContextLength())
	}
	if got := backend.EOSTokenIDs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("eos: %v", got)
	}
	if backend.Format() != FormatGGUF {
		t.Fatalf("format: %s", backend.Format())
	}
	if backend.SupportsLoRA() {
		t.Fatal("quantized backend must not claim LoRA support")
	}
}

func TestGGUFPrefillMatchesTokenByTokenForward(t *testing.T) {
	t.Parallel()

	path := writeTinyGGUF(t, 2)
	a, err := LoadGGUF("tiny", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := LoadGGUF("tiny", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tokens := []int{0, 5, 9, 13, 7}

	prefillLogits, err := a.Prefill(tokens)
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}

	var stepLogits []float32
	for i, tok := range tokens {
		stepLogits, err = b.Forward(tok, i)
		if err != nil {
			t.Fatalf("forward %d: %v", i, err)
		}
	}

	for i := range prefillLogits {
		if diff := float64(prefillLogits[i] - stepLogits[i]); diff > 1e-5 || diff < -1e-5 {
			t.Fatalf("logit %d differs: %f vs %f", i, prefillLogits[i], stepLogits[i])
		}
	}
}

func TestGGUFClearCacheResetsState(t *testing.T) {
	t.Parallel()

	backend, err := LoadGGUF("tiny", writeTinyGGUF(t, 3))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tokens := []int{0, 5, 9}

	first, err := backend.Prefill(tokens)
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}
	ref := append([]float32(nil), first...)

	if err := backend.ClearCache(); err != nil {
		t.Fatalf("clear cache: %v", err)
	}
	second, err := backend.Prefill(tokens)
	if err != nil {
		t.Fatalf("prefill after clear: %v", err)
	}
	for i := range ref {
		if ref[i] != second[i] {
			t.Fatalf("cleared backend must reproduce logits, index %d: %f vs %f", i, ref[i], second[i])
		}
	}
}

func TestGGUFGenerateEndToEnd(t *testing.T) {
	t.Parallel()

	backend, err := LoadGGUF("tiny", writeTinyGGUF(t, 4))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	result, err := Generate(backend, GenerateRequest{Prompt: "ab", MaxTokens: 4, Temperature: 0})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Tokens > 4 {
		t.Fatalf("token cap violated: %d", result.Tokens)
	}
}

// ── safetensors backend + LoRA ───────────────────────────────────────────────

func loadTinySafetensors(t *testing.T, dir string) *SafetensorsBackend {
	t.Helper()
	backend, err := LoadSafetensors("tiny-st", dir, SafetensorsConfig{
		Tokenizer: NewVocabTokenizer(tinyVocab(), 0),
	})
	if err != nil {
		t.Fatalf("load safetensors: %v", err)
	}
	return backend
}

func TestSafetensorsLoad(t *testing.T) {
	t.Parallel()

	backend := loadTinySafetensors(t, writeTinySafetensorsDir(t, 10))
	if backend.Format() != FormatSafetensors {
		t.Fatalf("format: %s", backend.Format())
	}
	if backend.ContextLength() != tinyCtx {
		t.Fatalf("context length: %d", backend.ContextLength())
	}
	if !backend.SupportsLoRA() {
		t.Fatal("full-precision backend must support LoRA")
	}
	if got := backend.EOSTokenIDs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("eos from config.json: %v", got)
	}
}

// Scenario: record reference logits, apply one adapter at scale 1.0 and
// rebuild (output changes), reload base (output matches the reference).
func TestLoRAApplyThenUnload(t *testing.T) {
	t.Parallel()

	dir := writeTinySafetensorsDir(t, 11)
	backend := loadTinySafetensors(t, dir)
	tokens := []int{0, 5, 9, 3}

	reference, err := backend.Prefill(tokens)
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}
	ref := append([]float32(nil), reference...)

	// Adapter: rank-2 correction on the layer-0 q projection.
	rng := rand.New(rand.NewSource(99))
	adapterPath := filepath.Join(t.TempDir(), "adapter.safetensors")
	writeSafetensors(t, adapterPath,
		map[string][]float32{
			"base_model.model.model.layers.0.self_attn.q_proj.lora_A.weight": randTensor(rng, 2*tinyDim),
			"base_model.model.model.layers.0.self_attn.q_proj.lora_B.weight": randTensor(rng, tinyDim*2),
		},
		map[string][]uint64{
			"base_model.model.model.layers.0.self_attn.q_proj.lora_A.weight": {2, tinyDim},
			"base_model.model.model.layers.0.self_attn.q_proj.lora_B.weight": {tinyDim, 2},
		},
	)

	err = backend.RebuildWithLoRA([]LoRAAdapter{{
		AdapterID: "test-adapter", Path: adapterPath, Scale: 1.0, Active: true,
	}})
	if err != nil {
		t.Fatalf("rebuild with lora: %v", err)
	}

	adapted, err := backend.Prefill(tokens)
	if err != nil {
		t.Fatalf("prefill with adapter: %v", err)
	}
	changed := false
	for i := range ref {
		if diff := adapted[i] - ref[i]; diff > 1e-6 || diff < -1e-6 {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("adapter at scale 1.0 must change the output")
	}

	if err := backend.ReloadBase(); err != nil {
		t.Fatalf("reload base: %v", err)
	}
	restored, err := backend.Prefill(tokens)
	if err != nil {
		t.Fatalf("prefill after reload: %v", err)
	}
	for i := range ref {
		if diff := float64(restored[i] - ref[i]); diff > 1e-5 || diff < -1e-5 {
			t.Fatalf("reload base must restore logits, index %d: %f vs %f", i, restored[i], ref[i])
		}
	}
	if len(backend.ActiveAdapters()) != 0 {
		t.Fatal("reload base must clear the adapter stack")
	}
}

func TestLoRAMergeMathIsExact(t *testing.T) {
	t.Parallel()

	// W' = W + scale·(B·A) on a small matrix, checked by hand.
	rows, rank, cols := 2, 1, 3
	w := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{2, 3}       // [2×1]
	a := []float32{10, 20, 30} // [1×3]

	matMulAcc(w, b, a, rows, rank, cols, 0.5)

	want := []float32{1 + 10, 2 + 20, 3 + 30, 4 + 15, 5 + 30, 6 + 45}
	for i := range want {
		if w[i] != want[i] {
			t.Fatalf("index %d: want %f, got %f", i, want[i], w[i])
		}
	}
}
