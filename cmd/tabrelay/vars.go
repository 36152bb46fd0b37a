package cli

import (
	"github.com/neboloop/tabrelay/internal/config"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile string
	verbose bool
)

// Version is stamped by main.
var Version = "dev"

// ServerConfig holds the loaded server configuration (set by main)
var ServerConfig *config.Config
