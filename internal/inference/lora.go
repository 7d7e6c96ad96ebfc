package inference

import (
	"fmt"
	"log/slog"
	"strings"
)

// applyLoRA merges one adapter into the weights in place:
// W' = W + scale·(B·A) per targeted layer, where A is [rank × in] and B is
// [out × rank].
//
// Adapter files name pairs as <layer>.lora_A.weight / <layer>.lora_B.weight,
// with <layer> optionally wrapped in the PEFT "base_model.model." prefix.
func applyLoRA(w *modelWeights, cfg *modelConfig, adapter LoRAAdapter) error {
	file, err := parseSafetensors(adapter.Path)
	if err != nil {
		return err
	}

	type pair struct {
		a, b []float32
		aInfo, bInfo *stTensorInfo
	}
	pairs := map[string]*pair{}

	for name := range file.Tensors {
		base, isA := strings.CutSuffix(name, ".lora_A.weight")
		if !isA {
			var isB bool
			base, isB = strings.CutSuffix(name, ".lora_B.weight")
			if !isB {
				continue
			}
		}
		base = strings.TrimPrefix(base, "base_model.model.")
		p, ok := pairs[base]
		if !ok {
			p = &pair{}
			pairs[base] = p
		}
		tensor, err := file.tensorF32(name)
		if err != nil {
			return err
		}
		if isA {
			p.a = tensor
			p.aInfo = file.Tensors[name]
		} else {
			p.b = tensor
			p.bInfo = file.Tensors[name]
		}
	}

	if len(pairs) == 0 {
		return fmt.Errorf("no LoRA weight pairs in %s", adapter.Path)
	}

	applied := 0
	for base, p := range pairs {
		if p.a == nil || p.b == nil {
			return fmt.Errorf("layer %s: unpaired LoRA tensors", base)
		}
		mat, rows, cols, ok := layerMatrix(w, cfg, base)
		if !ok {
			slog.Debug("lora adapter targets unknown layer, skipping", "layer", base)
			continue
		}

		rank := int(p.aInfo.Shape[0])
		if int(p.aInfo.Shape[1]) != cols || int(p.bInfo.Shape[0]) != rows || int(p.bInfo.Shape[1]) != rank {
			return fmt.Errorf("layer %s: adapter shape A%v B%v does not fit [%d×%d]",
				base, p.aInfo.Shape, p.bInfo.Shape, rows, cols)
		}

		matMulAcc(mat, p.b, p.a, rows, rank, cols, adapter.Scale)
		applied++
	}

	if applied == 0 {
		return fmt.Errorf("adapter %s targeted no loadable layers", adapter.AdapterID)
	}
	slog.Info("lora adapter merged",
		"adapter", adapter.AdapterID, "layers", applied, "scale", adapter.Scale)
	return nil
}
