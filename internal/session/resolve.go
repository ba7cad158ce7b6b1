package session

import (
	"os"

	"github.com/CoteTommy/Weft-App-sub000/internal/config"
)

const DefaultProfileName = "main"

// ProfileEnv names the environment variable consulted after the flag.
const ProfileEnv = "WEFT_PROFILE"

// Resolve picks the active profile: the --profile flag, then $WEFT_PROFILE,
// then default_profile from config.toml, then "main". An unreadable config
// file counts as having no default.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(ProfileEnv); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
