package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/bus"
	"github.com/loqalabs/loqa-dialogue/internal/capability"
	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/natsserver"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/synth"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	store       *eventstore.Store
	synth       synth.Synthesizer
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	service     *dialogue.Service
	registry    *capability.Registry
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Catalog builds the voice catalog described by cfg.
func Catalog(cfg config.CatalogConfig) voice.Catalog {
	if cfg.Endpoint != "" {
		return voice.NewHTTPCatalog(cfg.Endpoint, cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	}
	voices := make([]voice.Voice, 0, len(cfg.Voices))
	for _, v := range cfg.Voices {
		voices = append(voices, voice.Voice{
			ID:       v.ID,
			Name:     v.Name,
			Type:     voice.ParseType(v.Type),
			LangCode: v.LangCode,
			Tags:     v.Tags,
		})
	}
	return voice.NewStaticCatalog(voices)
}

// Defaults converts configured speaker voices into resolver defaults.
func Defaults(speakers map[string]config.SpeakerConfig) voice.Defaults {
	defaults := make(voice.Defaults, len(speakers))
	for name, sc := range speakers {
		defaults[name] = voice.SpeakerDefault{VoiceID: sc.VoiceID, Speed: sc.Speed}
	}
	return defaults
}

// DefaultQuality is the quality applied when a request carries none.
func DefaultQuality(cfg config.GenerationConfig) dialogue.QualitySettings {
	return dialogue.QualitySettings{
		Encoding: cfg.Encoding,
		Mode:     synth.Mode(cfg.DefaultMode),
		Parallel: cfg.Parallel,
	}.Normalize()
}

// OrchestratorOptions maps generation config onto orchestrator options.
func OrchestratorOptions(cfg config.GenerationConfig) (dialogue.Options, error) {
	policy, err := dialogue.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return dialogue.Options{}, err
	}
	return dialogue.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		SegmentTimeout: time.Duration(cfg.SegmentTimeoutMS) * time.Millisecond,
		FailurePolicy:  policy,
		WordsPerMinute: cfg.WordsPerMinute,
	}, nil
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	s, err := synth.New(r.cfg.Synth)
	if err != nil {
		r.closeStore()
		return fmt.Errorf("failed to build synthesizer: %w", err)
	}
	r.synth = s

	opts, err := OrchestratorOptions(r.cfg.Generation)
	if err != nil {
		r.closeStore()
		return err
	}
	orch := dialogue.New(s, opts, r.logger, store)
	catalog := Catalog(r.cfg.Catalog)
	defaults := Defaults(r.cfg.Speakers)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx, orch, catalog, defaults); err != nil {
			r.stopBus()
			r.closeStore()
			return err
		}
	}

	var nodes NodeLister
	if r.registry != nil {
		nodes = r.registry
	}
	api := NewAPI(APIOptions{
		Nodes:          nodes,
		Orchestrator:   orch,
		Catalog:        catalog,
		Defaults:       defaults,
		DefaultQuality: DefaultQuality(r.cfg.Generation),
		Jobs:           store,
		WordsPerMinute: r.cfg.Generation.WordsPerMinute,
	}, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("synth_mode", r.cfg.Synth.Mode),
		slog.Bool("bus", r.cfg.Bus.Enabled),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopBus()
	if closer, ok := r.synth.(interface{ Close() }); ok {
		closer.Close()
	}
	r.closeStore()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startBus(ctx context.Context, orch *dialogue.Orchestrator, catalog voice.Catalog, defaults voice.Defaults) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	r.service = dialogue.NewService(ctx, client, orch, catalog, defaults, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("failed to start dialogue service: %w", err)
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, Capabilities(r.cfg), r.service.Active, client, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start node registry: %w", err)
	}
	r.registry = registry
	return nil
}

// Capabilities describes what this node renders.
func Capabilities(cfg config.Config) []protocol.Capability {
	attrs := map[string]string{
		"synth_mode":      cfg.Synth.Mode,
		"max_concurrency": strconv.Itoa(cfg.Generation.MaxConcurrency),
		"encoding":        cfg.Generation.Encoding,
	}
	return []protocol.Capability{
		{Name: capability.Render, Tier: string(synth.ModeFast), Attributes: attrs},
		{Name: capability.Render, Tier: string(synth.ModeLongform), Attributes: attrs},
	}
}

func (r *Runtime) stopBus() {
	if r.registry != nil {
		r.registry.Close()
		r.registry = nil
	}
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) closeStore() {
	if r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	r.store = nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.store != nil && r.store.Ensure() != nil {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
