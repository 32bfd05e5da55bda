package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"3456"`

	// DataDir holds tabs.json, pin-settings.json, favorites.json and
	// commands.json. Empty means $HOME/.terminal-tunnel.
	DataDir string `envconfig:"TERMINAL_TUNNEL_DIR" default:""`
	LogPath string `envconfig:"TERMINAL_TUNNEL_LOG" default:""`

	// AuthToken gates /api/* when set. Empty disables the check; the PIN
	// lock screen is enforced client-side from pin-settings.
	AuthToken string `envconfig:"TERMINAL_TUNNEL_TOKEN" default:""`

	// Terminal session settings
	Shell              string        `envconfig:"SHELL" default:""`
	ScrollbackSize     int           `envconfig:"SCROLLBACK_SIZE" default:"1048576"`
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SweepInterval      time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"2m"`

	// Preview proxy settings
	PreviewTimeout    time.Duration `envconfig:"PREVIEW_TIMEOUT" default:"30s"`
	MemoryServicePort int           `envconfig:"MEMORY_SERVICE_PORT" default:"0"`

	// Outbound relay tunnel. Both empty disables the tunnel.
	TunnelURL   string `envconfig:"TUNNEL_URL" default:""`
	TunnelToken string `envconfig:"TUNNEL_TOKEN" default:""`

	MaxTabs int `envconfig:"MAX_TABS" default:"10"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("failed to resolve home directory: %v", err)
		}
		Cfg.DataDir = filepath.Join(home, ".terminal-tunnel")
	}
}
