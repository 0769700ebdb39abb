package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type RoomConfig struct {
	IDLength     int           `mapstructure:"id_length"`
	ChatInterval time.Duration `mapstructure:"chat_interval"`
	ChatMaxLen   int           `mapstructure:"chat_max_len"`
	EmojiMaxLen  int           `mapstructure:"emoji_max_len"`
}

type PeerConfig struct {
	ServerURL       string        `mapstructure:"server_url"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	TURNURLs        []string      `mapstructure:"turn_urls"`
	TURNUsername    string        `mapstructure:"turn_username"`
	TURNCredential  string        `mapstructure:"turn_credential"`
	BatchCandidates bool          `mapstructure:"batch_candidates"`
	BatchWindow     time.Duration `mapstructure:"batch_window"`
	MaxICERestarts  int           `mapstructure:"max_ice_restarts"`
}

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	Secret         string        `mapstructure:"secret"`
	LogLevel       string        `mapstructure:"log_level"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	Room           RoomConfig    `mapstructure:"room"`
	Peer           PeerConfig    `mapstructure:"peer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 5000)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("room.id_length", 5)
	v.SetDefault("room.chat_interval", "200ms")
	v.SetDefault("room.chat_max_len", 1000)
	v.SetDefault("room.emoji_max_len", 16)

	v.SetDefault("peer.server_url", "ws://localhost:5000/api/ws/signal")
	v.SetDefault("peer.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("peer.turn_urls", []string{})
	v.SetDefault("peer.turn_username", "")
	v.SetDefault("peer.turn_credential", "")
	v.SetDefault("peer.batch_candidates", true)
	v.SetDefault("peer.batch_window", "50ms")
	v.SetDefault("peer.max_ice_restarts", 3)
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults, then
// CALLROOM_* environment variables, then flags set on fs (may be nil).
// Flag names map to keys with '-' read as '_', so --log-level sets log_level.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix("CALLROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
