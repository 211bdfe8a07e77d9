package synth

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
)

// New builds the synthesizer selected by cfg.Mode, wrapped in a Cache when
// cfg.CacheEntries is positive.
func New(cfg config.SynthConfig) (Synthesizer, error) {
	var (
		s   Synthesizer
		err error
	)
	switch cfg.Mode {
	case "mock":
		s = NewMockSynth(time.Duration(cfg.MockDelayMS) * time.Millisecond)
	case "exec":
		s, err = NewExecSynth(cfg.Command)
	case "http":
		s = NewHTTPSynth(HTTPConfig{
			Endpoint:          cfg.Endpoint,
			APIKey:            cfg.APIKey,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Timeout:           time.Duration(cfg.TimeoutMS) * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheEntries > 0 {
		cache, err := NewCache(s, cfg.CacheEntries)
		if err != nil {
			return nil, err
		}
		return cache, nil
	}
	return s, nil
}
