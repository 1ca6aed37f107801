package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/dialtone/internal/config"
	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/internal/resilience"
)

// providerBreaker is the circuit breaker applied to every provider in a
// fallback group.
var providerBreaker = resilience.CircuitBreakerConfig{
	MaxFailures:  3,
	ResetTimeout: 30 * time.Second,
}

// BuildProviders instantiates the configured STT and LLM providers using the
// registry. Configured fallbacks are combined with their primary into a
// circuit-breaker fallback group; a single provider is returned as-is.
// Breaker transitions are counted on m when it is non-nil.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	breaker := providerBreaker
	if m != nil {
		breaker.OnStateChange = func(name string, _, to resilience.State) {
			m.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
	fbCfg := resilience.FallbackConfig{CircuitBreaker: breaker, Logger: log}
	ps := &Providers{}

	// ── STT ───────────────────────────────────────────────────────────────────
	primarySTT, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	log.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	ps.STT = primarySTT
	if len(cfg.Providers.STTFallbacks) > 0 {
		group := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, fbCfg)
		for _, entry := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
			log.Info("provider created", "kind", "stt", "name", entry.Name, "fallback", true)
		}
		ps.STT = group
	}

	// ── LLM ───────────────────────────────────────────────────────────────────
	primaryLLM, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	log.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)
	ps.LLM = primaryLLM
	if len(cfg.Providers.LLMFallbacks) > 0 {
		group := resilience.NewLLMFallback(primaryLLM, cfg.Providers.LLM.Name, fbCfg)
		for _, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
			log.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model, "fallback", true)
		}
		ps.LLM = group
	}

	return ps, nil
}
