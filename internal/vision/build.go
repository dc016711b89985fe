package vision

import (
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paylicense/internal/config"
	"github.com/sells-group/paylicense/internal/ocr"
	"github.com/sells-group/paylicense/internal/resilience"
	"github.com/sells-group/paylicense/pkg/anthropic"
	"github.com/sells-group/paylicense/pkg/openai"
)

// FromConfig builds the orchestrator described by cfg.Vision.
func FromConfig(cfg *config.Config) (*Orchestrator, error) {
	primary, err := buildPool(cfg, cfg.Vision.Primary)
	if err != nil {
		return nil, err
	}
	var fallbacks []Pool
	for _, id := range cfg.Vision.Fallbacks {
		p, err := buildPool(cfg, id)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, p)
	}

	opts := []Option{WithBackoff(time.Duration(cfg.Vision.TransientBackoffMs) * time.Millisecond)}
	if bc := cfg.Vision.Breaker; bc.FailureThreshold > 0 {
		cbCfg := resilience.FromCircuitConfig(bc.FailureThreshold, bc.ResetTimeoutSecs)
		cbCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
			zap.L().Info("vision: credential breaker changed",
				zap.String("credential", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		opts = append(opts, WithBreakers(resilience.NewServiceBreakers(cbCfg)))
	}
	return NewOrchestrator(primary, fallbacks, opts...), nil
}

func buildPool(cfg *config.Config, id string) (Pool, error) {
	timeout := time.Duration(cfg.Vision.TimeoutSecs) * time.Second
	pool := Pool{ID: id}

	switch id {
	case config.BackendAnthropic:
		for _, key := range cfg.Anthropic.Keys {
			opts := []anthropic.Option{anthropic.WithTimeout(timeout)}
			if cfg.Anthropic.BaseURL != "" {
				opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
			}
			client := anthropic.NewClient(key, opts...)
			pool.Credentials = append(pool.Credentials, NewAnthropic(client, cfg.Anthropic.Model, int64(cfg.Anthropic.MaxTokens)))
		}
	case config.BackendOpenAI:
		for _, key := range cfg.OpenAI.Keys {
			opts := []openai.Option{openai.WithModel(cfg.OpenAI.Model), openai.WithTimeout(timeout)}
			if cfg.OpenAI.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
			}
			pool.Credentials = append(pool.Credentials, NewOpenAI(openai.NewClient(key, opts...)))
		}
	case config.BackendOCR:
		ext, err := ocr.NewExtractor(cfg.OCR, timeout)
		if err != nil {
			return Pool{}, eris.Wrap(err, "vision: build ocr backend")
		}
		pool.Credentials = append(pool.Credentials, NewOCR(ext))
	default:
		return Pool{}, eris.Errorf("vision: unknown backend %q", id)
	}

	if len(pool.Credentials) == 0 {
		return Pool{}, eris.Errorf("vision: backend %q has no credentials", id)
	}
	return pool, nil
}
