package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile", "mistral", "ollama", "openai", "openai-native"},
	"stt": {"assemblyai", "deepgram"},
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultMediaStreamPath = "/media-stream"
	DefaultLanguage        = "en-IN"
	DefaultServiceName     = "dialtone"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes is LoadFromReader over an in-memory document.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills zero-valued fields with the stock values. Defaults that
// live in the consuming package (pacing thresholds, document prompts, the
// reply fallback text) are left zero so that package's own defaults apply.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MediaStreamPath == "" {
		cfg.Server.MediaStreamPath = DefaultMediaStreamPath
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	if cfg.Telephony.Language == "" {
		cfg.Telephony.Language = DefaultLanguage
	}
	if cfg.Telephony.RequestTimeout == 0 {
		cfg.Telephony.RequestTimeout = Duration(10 * time.Second)
	}

	if cfg.Recognizer.SampleRate == 0 {
		cfg.Recognizer.SampleRate = 8000
	}
	if cfg.Recognizer.EndOfTurnConfidence == 0 {
		cfg.Recognizer.EndOfTurnConfidence = 0.4
	}
	if cfg.Recognizer.MinEndOfTurnSilence == 0 {
		cfg.Recognizer.MinEndOfTurnSilence = Duration(400 * time.Millisecond)
	}
	if cfg.Recognizer.MaxTurnSilence == 0 {
		cfg.Recognizer.MaxTurnSilence = Duration(1280 * time.Millisecond)
	}
	if cfg.Recognizer.ReconnectDelay == 0 {
		cfg.Recognizer.ReconnectDelay = Duration(time.Second)
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL == "" {
		errs = append(errs, errors.New("server.public_url is required"))
	} else if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute URL", cfg.Server.PublicURL))
	}
	if !strings.HasPrefix(cfg.Server.MediaStreamPath, "/") {
		errs = append(errs, fmt.Errorf("server.media_stream_path %q must start with /", cfg.Server.MediaStreamPath))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %v must be within [0,1]", r))
	}

	// Telephony
	if cfg.Telephony.AccountSID == "" {
		errs = append(errs, errors.New("telephony.account_sid is required"))
	}
	if cfg.Telephony.AuthToken == "" {
		errs = append(errs, errors.New("telephony.auth_token is required"))
	}
	if cfg.Telephony.MaxDocumentChars < 0 {
		errs = append(errs, fmt.Errorf("telephony.max_document_chars %d must not be negative", cfg.Telephony.MaxDocumentChars))
	}
	if cfg.Telephony.GatherTimeout < 0 || cfg.Telephony.PauseAfterReply < 0 || cfg.Telephony.RequestTimeout < 0 {
		errs = append(errs, errors.New("telephony durations must not be negative"))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	// Pacing
	if cfg.Pacing.MinFlushDuration < 0 || cfg.Pacing.MaxFlushInterval < 0 || cfg.Pacing.MinFlushBytes < 0 {
		errs = append(errs, errors.New("pacing thresholds must not be negative"))
	}

	// VAD
	if cfg.VAD.WindowSamples < 0 {
		errs = append(errs, fmt.Errorf("vad.window_samples %d must not be negative", cfg.VAD.WindowSamples))
	}
	if cfg.VAD.SpeechThresholdDB > 0 || cfg.VAD.NoiseFloorDB > 0 {
		errs = append(errs, errors.New("vad thresholds are dBFS and must not be positive"))
	}

	// Recognizer
	if cfg.Recognizer.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("recognizer.sample_rate %d must be positive", cfg.Recognizer.SampleRate))
	}
	if c := cfg.Recognizer.EndOfTurnConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("recognizer.end_of_turn_confidence %.2f is out of range [0, 1]", c))
	}
	if cfg.Recognizer.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("recognizer.max_reconnects %d must not be negative", cfg.Recognizer.MaxReconnects))
	}

	// Reply
	if cfg.Reply.MaxChars < 0 || cfg.Reply.MaxTokens < 0 || cfg.Reply.Timeout < 0 {
		errs = append(errs, errors.New("reply limits must not be negative"))
	}

	// Call log
	if cfg.CallLog.MemoryCapacity < 0 {
		errs = append(errs, fmt.Errorf("calllog.memory_capacity %d must not be negative", cfg.CallLog.MemoryCapacity))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
