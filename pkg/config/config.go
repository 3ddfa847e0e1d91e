// Package config loads a2arelay's runtime configuration once at process
// startup via viper/cobra, following cmd/kodelet/main.go's pattern, and
// hands callers an immutable Config value — handlers never read viper
// directly, so a request's view of configuration cannot shift mid-flight.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RuntimeMode selects how the Runtime Adapter (C4) reaches the agent brain.
type RuntimeMode string

const (
	RuntimeModeAuto           RuntimeMode = "auto"
	RuntimeModeHostIntegrated RuntimeMode = "host_integrated"
	RuntimeModeGeneric        RuntimeMode = "generic"
	RuntimeModeDirect         RuntimeMode = "direct"
)

// Config is the fully-resolved, immutable configuration for one process.
// Each CLI command builds it with Load in its RunE and threads it
// explicitly into every component constructor.
type Config struct {
	ConfigDir string

	ListenAddr string

	RuntimeMode           RuntimeMode
	RuntimeFailover       bool
	RuntimeHostTool       string
	RuntimeAgentCommand   []string
	RuntimeSummaryCommand []string
	RuntimeNotifyCommand  []string
	RuntimeTimeout        time.Duration
	AnthropicAPIKey       string
	AnthropicModel        string

	ServerMaxTimeout time.Duration
	MinTurns         int
	MaxTurnsOutbound int

	IdleTimeout   time.Duration
	MaxDuration   time.Duration
	CheckInterval time.Duration
	MonitorCron   string

	CompressAfterDays int

	LogLevel  string
	LogFormat string

	TracingEnabled bool
}

// RegisterDefaults sets the viper defaults the rest of this package and
// cmd/a2arelay rely on. Call once from the CLI's init(), mirroring
// cmd/kodelet/main.go's init().
func RegisterDefaults() {
	viper.SetDefault("config_dir", "")
	viper.SetDefault("listen_addr", ":8088")

	viper.SetDefault("runtime.mode", string(RuntimeModeAuto))
	viper.SetDefault("runtime.failover", true)
	viper.SetDefault("runtime.host_tool", "openclaw")
	viper.SetDefault("runtime.agent_command", []string{})
	viper.SetDefault("runtime.summary_command", []string{})
	viper.SetDefault("runtime.notify_command", []string{})
	viper.SetDefault("runtime.timeout_seconds", 65)
	viper.SetDefault("runtime.anthropic_model", "claude-sonnet-4-0")

	viper.SetDefault("server.max_timeout_seconds", 65)
	viper.SetDefault("server.min_turns", 8)
	viper.SetDefault("server.max_turns_outbound", 30)

	viper.SetDefault("monitor.idle_timeout_seconds", 60)
	viper.SetDefault("monitor.max_duration_seconds", 300)
	viper.SetDefault("monitor.check_interval_seconds", 10)
	viper.SetDefault("monitor.cron", "")

	viper.SetDefault("conversations.compress_after_days", 30)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "fmt")

	viper.SetDefault("tracing.enabled", false)

	viper.SetEnvPrefix("A2ARELAY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.a2arelay")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()
}

// Load reads the current viper state into a Config snapshot.
func Load() *Config {
	return &Config{
		ConfigDir: viper.GetString("config_dir"),

		ListenAddr: viper.GetString("listen_addr"),

		RuntimeMode:           RuntimeMode(viper.GetString("runtime.mode")),
		RuntimeFailover:       viper.GetBool("runtime.failover"),
		RuntimeHostTool:       viper.GetString("runtime.host_tool"),
		RuntimeAgentCommand:   viper.GetStringSlice("runtime.agent_command"),
		RuntimeSummaryCommand: viper.GetStringSlice("runtime.summary_command"),
		RuntimeNotifyCommand:  viper.GetStringSlice("runtime.notify_command"),
		RuntimeTimeout:        time.Duration(viper.GetInt("runtime.timeout_seconds")) * time.Second,
		AnthropicAPIKey:       viper.GetString("runtime.anthropic_api_key"),
		AnthropicModel:        viper.GetString("runtime.anthropic_model"),

		ServerMaxTimeout: time.Duration(viper.GetInt("server.max_timeout_seconds")) * time.Second,
		MinTurns:         viper.GetInt("server.min_turns"),
		MaxTurnsOutbound: viper.GetInt("server.max_turns_outbound"),

		IdleTimeout:   time.Duration(viper.GetInt("monitor.idle_timeout_seconds")) * time.Second,
		MaxDuration:   time.Duration(viper.GetInt("monitor.max_duration_seconds")) * time.Second,
		CheckInterval: time.Duration(viper.GetInt("monitor.check_interval_seconds")) * time.Second,
		MonitorCron:   viper.GetString("monitor.cron"),

		CompressAfterDays: viper.GetInt("conversations.compress_after_days"),

		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),

		TracingEnabled: viper.GetBool("tracing.enabled"),
	}
}
