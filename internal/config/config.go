package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/botfleet/botfleet/pkg/models"
)

// Config holds all configuration for a botfleet process (supervisor or
// single bot). Values come from environment variables with sensible
// defaults; the fleet manifest is a separate JSON file (see LoadFleet).
type Config struct {
	Version   string
	AdminPort int
	Store     StoreConfig
	Pool      PoolConfig
	LLM       LLMConfig
	Bot       BotConfig
	Fleet     FleetConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
}

type StoreConfig struct {
	// Path is the SQLite database file shared by every bot process.
	Path string
	// Namespace scopes every row so an operator can enumerate or
	// wipe one deployment's data as a unit.
	Namespace string
	// Timeout bounds every store read/write; on expiry callers see
	// ErrStoreUnavailable rather than a hang.
	Timeout time.Duration
}

type PoolConfig struct {
	// RefreshInterval is how often the pool re-reads available
	// credentials from the store.
	RefreshInterval time.Duration
	// FailingThreshold is the number of consecutive transient failures
	// after which a credential is marked failing.
	FailingThreshold int
	// LowEnergyFloor triggers a notification when a retirement drops
	// the available count to or below this value.
	LowEnergyFloor int
}

type LLMConfig struct {
	APIURL  string
	Model   string
	Timeout time.Duration
	// Retries is the number of additional dispatch attempts after the
	// first transient failure.
	Retries int
}

type BotConfig struct {
	// CharactersPath locates the characters.json persona file.
	CharactersPath string
	// TargetChannel is the channel the bot chats in; EnergyChannel is
	// where privileged energy and model commands are accepted.
	TargetChannel string
	EnergyChannel string
	// TurnCap bounds stored conversation turns per channel.
	TurnCap int
}

type FleetConfig struct {
	ManifestPath string
	BotBinary    string
	// RestartBudget is the max restarts per identity inside
	// RestartWindow before the identity is marked dead.
	RestartBudget int
	RestartWindow time.Duration
	GracePeriod   time.Duration
}

type NotifyConfig struct {
	WebhookURL string
	Secret     string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Version:   envStr("BOTFLEET_VERSION", "0.2.0"),
		AdminPort: envInt("BOTFLEET_ADMIN_PORT", 8090),
		Store: StoreConfig{
			Path:      envStr("BOTFLEET_DB_PATH", "botfleet.db"),
			Namespace: envStr("BOTFLEET_NAMESPACE", "botfleet"),
			Timeout:   envDur("BOTFLEET_STORE_TIMEOUT", 5*time.Second),
		},
		Pool: PoolConfig{
			RefreshInterval:  envDur("BOTFLEET_POOL_REFRESH", 30*time.Second),
			FailingThreshold: envInt("BOTFLEET_FAILING_THRESHOLD", 3),
			LowEnergyFloor:   envInt("BOTFLEET_LOW_ENERGY_FLOOR", 2),
		},
		LLM: LLMConfig{
			APIURL:  envStr("OLLAMA_API_URL", "https://ollama.com/api/chat"),
			Model:   envStr("OLLAMA_MODEL", "gpt-oss:120b"),
			Timeout: envDur("OLLAMA_TIMEOUT", 60*time.Second),
			Retries: envInt("BOTFLEET_DISPATCH_RETRIES", 2),
		},
		Bot: BotConfig{
			CharactersPath: envStr("BOTFLEET_CHARACTERS", "characters.json"),
			TargetChannel:  envStr("BOTFLEET_TARGET_CHANNEL", "general"),
			EnergyChannel:  envStr("BOTFLEET_ENERGY_CHANNEL", "energy"),
			TurnCap:        envInt("BOTFLEET_TURN_CAP", 20),
		},
		Fleet: FleetConfig{
			ManifestPath:  envStr("BOTFLEET_MANIFEST", "bots.json"),
			BotBinary:     envStr("BOTFLEET_BOT_BINARY", ""),
			RestartBudget: envInt("BOTFLEET_RESTART_BUDGET", 5),
			RestartWindow: envDur("BOTFLEET_RESTART_WINDOW", 10*time.Minute),
			GracePeriod:   envDur("BOTFLEET_GRACE_PERIOD", 10*time.Second),
		},
		Notify: NotifyConfig{
			WebhookURL: envStr("BOTFLEET_NOTIFY_URL", ""),
			Secret:     envStr("BOTFLEET_NOTIFY_SECRET", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "botfleet"),
		},
	}
}

// fleetManifest is the on-disk shape of bots.json.
type fleetManifest struct {
	Bots []models.Identity `json:"bots"`
}

// LoadFleet reads the fleet manifest and returns the identity table.
// The table is loaded once at startup; callers must treat it as
// immutable.
func LoadFleet(path string) ([]models.Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet manifest %s: %w", path, err)
	}

	var manifest fleetManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse fleet manifest %s: %w", path, err)
	}
	if len(manifest.Bots) == 0 {
		return nil, fmt.Errorf("fleet manifest %s lists no bots", path)
	}

	seen := make(map[string]bool)
	out := make([]models.Identity, 0, len(manifest.Bots))
	for i, id := range manifest.Bots {
		if id.Name == "" {
			return nil, fmt.Errorf("fleet manifest %s: bot %d has no name", path, i)
		}
		if seen[id.Name] {
			return nil, fmt.Errorf("fleet manifest %s: duplicate bot name %q", path, id.Name)
		}
		seen[id.Name] = true

		if id.Type == "" {
			id.Type = models.IdentityCharacter
		}
		if id.Type == models.IdentityCharacter && id.Character == "" {
			return nil, fmt.Errorf("fleet manifest %s: bot %q has no character", path, id.Name)
		}
		if id.TokenEnv == "" {
			id.TokenEnv = "BOT_TOKEN"
		}
		out = append(out, id)
	}
	return out, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
