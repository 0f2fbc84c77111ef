// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for mirror-to-onedrive. The config is
// deliberately small: OAuth2 application credentials plus the table of
// remote-folder-to-local-directory mappings the daemon mirrors.
package config

import (
	"slices"
	"strings"
)

// DefaultRedirectURI is Microsoft's desktop redirect endpoint, used when the
// config file does not name one. It works for native apps that cannot host
// a local listener: the authorization code is shown in the browser's
// address bar for the user to paste back.
const DefaultRedirectURI = "https://login.live.com/oauth20_desktop.srf"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`

	// Synchronize maps drive-relative remote folder paths (e.g.
	// "Pictures/Camera") to absolute local directories. Each entry is one
	// mirror root; the remote folder must already exist.
	Synchronize map[string]string `toml:"synchronize"`
}

// Mapping is one resolved remote-to-local pair from the [synchronize] table.
type Mapping struct {
	Remote string // drive-relative remote folder path
	Local  string // absolute local directory
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{RedirectURI: DefaultRedirectURI}
}

// Mappings returns the [synchronize] table as a slice sorted by remote path.
// TOML tables decode into maps; sorting keeps refresh and mirror order
// stable between runs.
func (c *Config) Mappings() []Mapping {
	mappings := make([]Mapping, 0, len(c.Synchronize))
	for remote, local := range c.Synchronize {
		mappings = append(mappings, Mapping{Remote: remote, Local: local})
	}

	slices.SortFunc(mappings, func(a, b Mapping) int {
		return strings.Compare(a.Remote, b.Remote)
	})

	return mappings
}
