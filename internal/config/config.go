package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string                   `yaml:"runtime_name"`
	Environment string                   `yaml:"environment"`
	HTTP        HTTPConfig               `yaml:"http"`
	Telemetry   TelemetryConfig          `yaml:"telemetry"`
	Node        NodeConfig               `yaml:"node"`
	Bus         BusConfig                `yaml:"bus"`
	EventStore  EventStoreConfig         `yaml:"event_store"`
	Synth       SynthConfig              `yaml:"synth"`
	Generation  GenerationConfig         `yaml:"generation"`
	Catalog     CatalogConfig            `yaml:"catalog"`
	Speakers    map[string]SpeakerConfig `yaml:"speakers"`
}

// NodeConfig identifies this renderer on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SynthConfig struct {
	Mode              string `yaml:"mode"` // mock, exec, http
	Endpoint          string `yaml:"endpoint"`
	Command           string `yaml:"command"`
	APIKey            string `yaml:"api_key"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	CacheEntries      int    `yaml:"cache_entries"`
	MockDelayMS       int    `yaml:"mock_delay_ms"`
}

type GenerationConfig struct {
	MaxConcurrency   int    `yaml:"max_concurrency"`
	SegmentTimeoutMS int    `yaml:"segment_timeout_ms"`
	FailurePolicy    string `yaml:"failure_policy"` // skip, abort
	DefaultMode      string `yaml:"default_mode"`   // fast, longform
	Parallel         bool   `yaml:"parallel"`
	Encoding         string `yaml:"encoding"`
	WordsPerMinute   int    `yaml:"words_per_minute"`
}

type CatalogConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"api_key"`
	TimeoutMS int           `yaml:"timeout_ms"`
	Voices    []VoiceConfig `yaml:"voices"`
}

type VoiceConfig struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	LangCode string   `yaml:"lang_code"`
	Tags     []string `yaml:"tags"`
}

type SpeakerConfig struct {
	VoiceID string  `yaml:"voice_id"`
	Speed   float64 `yaml:"speed"`
}

const MaxConcurrencyCeiling = 16

func Default() Config {
	return Config{
		RuntimeName: "loqa-dialogue",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Node: NodeConfig{
			ID:                "dialogue-node-1",
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dialogue.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Synth: SynthConfig{
			Mode:              "mock",
			Endpoint:          "http://localhost:8000",
			RequestsPerMinute: 0,
			TimeoutMS:         300000,
			CacheEntries:      256,
		},
		Generation: GenerationConfig{
			MaxConcurrency:   3,
			SegmentTimeoutMS: 300000,
			FailurePolicy:    "skip",
			DefaultMode:      "fast",
			Parallel:         false,
			Encoding:         "pcm_linear",
			WordsPerMinute:   150,
		},
		Catalog: CatalogConfig{
			TimeoutMS: 10000,
			Voices: []VoiceConfig{
				{ID: "voice-ava", Name: "Ava", Type: "preset", LangCode: "en"},
				{ID: "voice-leo", Name: "Leo", Type: "preset", LangCode: "en"},
				{ID: "voice-mia", Name: "Mia", Type: "preset", LangCode: "en"},
				{ID: "voice-noe", Name: "Noé", Type: "preset", LangCode: "fr"},
			},
		},
		Speakers: map[string]SpeakerConfig{},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synth.Mode, "LOQA_SYNTH_MODE")
	overrideString(&cfg.Synth.Endpoint, "LOQA_SYNTH_ENDPOINT")
	overrideString(&cfg.Synth.Command, "LOQA_SYNTH_COMMAND")
	overrideString(&cfg.Synth.APIKey, "LOQA_SYNTH_API_KEY")
	overrideInt(&cfg.Synth.RequestsPerMinute, "LOQA_SYNTH_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Synth.TimeoutMS, "LOQA_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Synth.CacheEntries, "LOQA_SYNTH_CACHE_ENTRIES")
	overrideInt(&cfg.Synth.MockDelayMS, "LOQA_SYNTH_MOCK_DELAY_MS")
	overrideInt(&cfg.Generation.MaxConcurrency, "LOQA_GENERATION_MAX_CONCURRENCY")
	overrideInt(&cfg.Generation.SegmentTimeoutMS, "LOQA_GENERATION_SEGMENT_TIMEOUT_MS")
	overrideString(&cfg.Generation.FailurePolicy, "LOQA_GENERATION_FAILURE_POLICY")
	overrideString(&cfg.Generation.DefaultMode, "LOQA_GENERATION_DEFAULT_MODE")
	overrideBool(&cfg.Generation.Parallel, "LOQA_GENERATION_PARALLEL")
	overrideString(&cfg.Generation.Encoding, "LOQA_GENERATION_ENCODING")
	overrideInt(&cfg.Generation.WordsPerMinute, "LOQA_GENERATION_WORDS_PER_MINUTE")
	overrideString(&cfg.Catalog.Endpoint, "LOQA_CATALOG_ENDPOINT")
	overrideString(&cfg.Catalog.APIKey, "LOQA_CATALOG_API_KEY")
	overrideInt(&cfg.Catalog.TimeoutMS, "LOQA_CATALOG_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}

	switch cfg.Synth.Mode {
	case "mock":
	case "exec":
		if cfg.Synth.Command == "" {
			return errors.New("synth.command must be set when mode=exec")
		}
	case "http":
		if cfg.Synth.Endpoint == "" {
			return errors.New("synth.endpoint must be set when mode=http")
		}
	default:
		return errors.New("synth.mode must be one of mock|exec|http")
	}
	if cfg.Synth.RequestsPerMinute < 0 {
		return errors.New("synth.requests_per_minute must be >= 0")
	}
	if cfg.Synth.CacheEntries < 0 {
		return errors.New("synth.cache_entries must be >= 0")
	}

	gen := cfg.Generation
	if gen.MaxConcurrency < 1 || gen.MaxConcurrency > MaxConcurrencyCeiling {
		return fmt.Errorf("generation.max_concurrency must be between 1 and %d", MaxConcurrencyCeiling)
	}
	if gen.SegmentTimeoutMS <= 0 {
		return errors.New("generation.segment_timeout_ms must be positive")
	}
	switch gen.FailurePolicy {
	case "skip", "abort":
	default:
		return errors.New("generation.failure_policy must be one of skip|abort")
	}
	switch gen.DefaultMode {
	case "fast", "longform":
	default:
		return errors.New("generation.default_mode must be one of fast|longform")
	}
	switch gen.Encoding {
	case "pcm_linear", "pcm_mulaw", "pcm_alaw":
	default:
		return errors.New("generation.encoding must be one of pcm_linear|pcm_mulaw|pcm_alaw")
	}
	if gen.WordsPerMinute <= 0 {
		return errors.New("generation.words_per_minute must be positive")
	}

	var problems []error
	for name, sp := range cfg.Speakers {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, errors.New("speakers: name must not be empty"))
		}
		if sp.Speed != 0 && (sp.Speed < 0.7 || sp.Speed > 2.0) {
			problems = append(problems, fmt.Errorf("speakers.%s.speed must be between 0.7 and 2.0", name))
		}
	}
	for i, v := range cfg.Catalog.Voices {
		if v.ID == "" {
			problems = append(problems, fmt.Errorf("catalog.voices[%d].id must not be empty", i))
		}
	}
	return errors.Join(problems...)
}
