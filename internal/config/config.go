// Package config provides the configuration schema, loader, and polling
// file watcher for the Continuum runtime core.
package config

// Config is the root configuration, typically loaded from YAML via [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Inference InferenceConfig `yaml:"inference"`
	Voice     VoiceConfig     `yaml:"voice"`
	Memory    MemoryConfig    `yaml:"memory"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// ServerConfig holds the IPC endpoints and logging level.
type ServerConfig struct {
	// SocketPath is the AF_UNIX path the IPC server binds. Required.
	SocketPath string `yaml:"socket_path"`

	// ForeignSocketPath is the foreign runtime's command router socket.
	// Empty selects the conventional default.
	ForeignSocketPath string `yaml:"foreign_socket_path"`

	// LogLevel controls verbosity: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// InferenceConfig selects the local model backends and pool size.
type InferenceConfig struct {
	// Workers is the pool size; each worker owns one backend instance.
	Workers int `yaml:"workers"`

	// ModelPath points at the quantized GGUF checkpoint workers load.
	ModelPath string `yaml:"model_path"`

	// SafetensorsPath names a full-precision checkpoint directory. The
	// cmd/continuum binary does not read it and builds no LoRA backend
	// from it. Unless the embedding program sets
	// inference.ModuleConfig.LoRABackend, LoRA status reports unsupported
	// and LoRA apply/clear fail with not-found.
	SafetensorsPath string `yaml:"safetensors_path"`
}

// VoiceConfig selects the voice adapters.
type VoiceConfig struct {
	// WhisperModelPath is the ggml model for the native STT adapter.
	// Empty disables it.
	WhisperModelPath string `yaml:"whisper_model_path"`

	// PiperBinary is the piper executable for local TTS. Empty disables it.
	PiperBinary string `yaml:"piper_binary"`

	// PiperVoicesDir holds the onnx voice files.
	PiperVoicesDir string `yaml:"piper_voices_dir"`

	// PiperVoices lists available voice names; the first is the default.
	PiperVoices []string `yaml:"piper_voices"`

	// Language is the default recognition language.
	Language string `yaml:"language"`
}

// MemoryConfig tunes the memory module.
type MemoryConfig struct {
	// EmbeddingsAPIKey enables the embedding backfill for records arriving
	// without vectors. Empty disables it.
	EmbeddingsAPIKey string `yaml:"embeddings_api_key"`

	// EmbeddingsModel overrides the default embeddings model.
	EmbeddingsModel string `yaml:"embeddings_model"`
}

// BridgeConfig configures the optional SFU frame bridge.
type BridgeConfig struct {
	// URL is the SFU websocket endpoint. Empty disables the bridge.
	URL string `yaml:"url"`
}

// LoggerConfig configures the logger worker client.
type LoggerConfig struct {
	// SocketPath is the logger worker's private socket. Empty disables
	// remote logging; local slog always works.
	SocketPath string `yaml:"socket_path"`
}
