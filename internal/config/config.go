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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Channel     ChannelConfig    `yaml:"channel"`
	Gate        GateConfig       `yaml:"gate"`
	Engine      EngineConfig     `yaml:"engine"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ChannelConfig names the call and event channels exposed to callers.
type ChannelConfig struct {
	MethodSubject  string `yaml:"method_subject"`
	EventSubject   string `yaml:"event_subject"`
	Websocket      bool   `yaml:"websocket"`
	WebsocketPath  string `yaml:"websocket_path"`
	SendBufferSize int    `yaml:"send_buffer_size"`
}

type GateConfig struct {
	Mode      string `yaml:"mode"` // static, prompt
	Subject   string `yaml:"subject"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type EngineConfig struct {
	Mode     string         `yaml:"mode"` // mock, exec, deepgram
	Language string         `yaml:"language"`
	Mock     MockConfig     `yaml:"mock"`
	Exec     ExecConfig     `yaml:"exec"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
}

type MockConfig struct {
	Available bool       `yaml:"available"`
	StepDelay int        `yaml:"step_delay_ms"`
	Script    []MockStep `yaml:"script"`
}

// MockStep is one scripted recognizer callback.
type MockStep struct {
	Text        string    `yaml:"text"`
	Final       bool      `yaml:"final"`
	Confidences []float64 `yaml:"confidences"`
	ErrorCode   int       `yaml:"error_code"`
}

type ExecConfig struct {
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	MaxAlternatives int    `yaml:"max_alternatives"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type DeepgramConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Encoding       string `yaml:"encoding"`
	SampleRate     int    `yaml:"sample_rate"`
	Interim        bool   `yaml:"interim"`
	UtteranceEndMS int    `yaml:"utterance_end_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speech",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-speech-1",
			Role:              "speech",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-speech.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Channel: ChannelConfig{
			MethodSubject:  "voice_recognition",
			EventSubject:   "speech_events",
			Websocket:      true,
			WebsocketPath:  "/ws",
			SendBufferSize: 64,
		},
		Gate: GateConfig{
			Mode:      "static",
			Subject:   "speech.authorization.request",
			TimeoutMS: 30000,
		},
		Engine: EngineConfig{
			Mode:     "mock",
			Language: "en-US",
			Mock: MockConfig{
				Available: true,
				StepDelay: 200,
				Script: []MockStep{
					{Text: "hel"},
					{Text: "hello"},
					{Text: "hello world", Final: true},
				},
			},
			Exec: ExecConfig{
				SampleRate:      16000,
				Channels:        1,
				PartialEveryMS:  800,
				PublishInterim:  true,
				MaxAlternatives: 3,
				TimeoutMS:       45000,
			},
			Deepgram: DeepgramConfig{
				Model:      "nova-2",
				Encoding:   "linear16",
				SampleRate: 16000,
				Interim:    true,
			},
		},
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Channel.MethodSubject, "LOQA_CHANNEL_METHOD_SUBJECT")
	overrideString(&cfg.Channel.EventSubject, "LOQA_CHANNEL_EVENT_SUBJECT")
	overrideBool(&cfg.Channel.Websocket, "LOQA_CHANNEL_WEBSOCKET")
	overrideString(&cfg.Channel.WebsocketPath, "LOQA_CHANNEL_WEBSOCKET_PATH")
	overrideInt(&cfg.Channel.SendBufferSize, "LOQA_CHANNEL_SEND_BUFFER_SIZE")
	overrideString(&cfg.Gate.Mode, "LOQA_GATE_MODE")
	overrideString(&cfg.Gate.Subject, "LOQA_GATE_SUBJECT")
	overrideInt(&cfg.Gate.TimeoutMS, "LOQA_GATE_TIMEOUT_MS")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Language, "LOQA_ENGINE_LANGUAGE")
	overrideBool(&cfg.Engine.Mock.Available, "LOQA_ENGINE_MOCK_AVAILABLE")
	overrideInt(&cfg.Engine.Mock.StepDelay, "LOQA_ENGINE_MOCK_STEP_DELAY_MS")
	overrideString(&cfg.Engine.Exec.Command, "LOQA_ENGINE_EXEC_COMMAND")
	overrideString(&cfg.Engine.Exec.ModelPath, "LOQA_ENGINE_EXEC_MODEL_PATH")
	overrideInt(&cfg.Engine.Exec.SampleRate, "LOQA_ENGINE_EXEC_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Exec.Channels, "LOQA_ENGINE_EXEC_CHANNELS")
	overrideInt(&cfg.Engine.Exec.PartialEveryMS, "LOQA_ENGINE_EXEC_PARTIAL_EVERY_MS")
	overrideBool(&cfg.Engine.Exec.PublishInterim, "LOQA_ENGINE_EXEC_PUBLISH_INTERIM")
	overrideInt(&cfg.Engine.Exec.MaxAlternatives, "LOQA_ENGINE_EXEC_MAX_ALTERNATIVES")
	overrideInt(&cfg.Engine.Exec.TimeoutMS, "LOQA_ENGINE_EXEC_TIMEOUT_MS")
	overrideString(&cfg.Engine.Deepgram.APIKey, "LOQA_ENGINE_DEEPGRAM_API_KEY")
	overrideString(&cfg.Engine.Deepgram.Model, "LOQA_ENGINE_DEEPGRAM_MODEL")
	overrideString(&cfg.Engine.Deepgram.Encoding, "LOQA_ENGINE_DEEPGRAM_ENCODING")
	overrideInt(&cfg.Engine.Deepgram.SampleRate, "LOQA_ENGINE_DEEPGRAM_SAMPLE_RATE")
	overrideBool(&cfg.Engine.Deepgram.Interim, "LOQA_ENGINE_DEEPGRAM_INTERIM")
	overrideInt(&cfg.Engine.Deepgram.UtteranceEndMS, "LOQA_ENGINE_DEEPGRAM_UTTERANCE_END_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Channel.MethodSubject == "" || cfg.Channel.EventSubject == "" {
		return errors.New("channel.method_subject and channel.event_subject must not be empty")
	}
	if cfg.Channel.Websocket && !strings.HasPrefix(cfg.Channel.WebsocketPath, "/") {
		return errors.New("channel.websocket_path must start with /")
	}
	switch cfg.Gate.Mode {
	case "static":
	case "prompt":
		if cfg.Gate.Subject == "" {
			return errors.New("gate.subject must be set when mode=prompt")
		}
		if cfg.Gate.TimeoutMS <= 0 {
			return errors.New("gate.timeout_ms must be positive when mode=prompt")
		}
	default:
		return errors.New("gate.mode must be one of static|prompt")
	}
	switch cfg.Engine.Mode {
	case "mock":
	case "exec":
		if cfg.Engine.Exec.Command == "" {
			return errors.New("engine.exec.command must be set when mode=exec")
		}
		if cfg.Engine.Exec.SampleRate <= 0 {
			return errors.New("engine.exec.sample_rate must be positive")
		}
		if cfg.Engine.Exec.Channels <= 0 {
			return errors.New("engine.exec.channels must be positive")
		}
	case "deepgram":
		if cfg.Engine.Deepgram.SampleRate <= 0 {
			return errors.New("engine.deepgram.sample_rate must be positive")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|deepgram")
	}
	return nil
}
