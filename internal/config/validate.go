package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.ClientID == "" {
		errs = append(errs, errors.New("client_id is required (register an app at https://portal.azure.com)"))
	}

	if cfg.ClientSecret == "" {
		errs = append(errs, errors.New("client_secret is required"))
	}

	if cfg.RedirectURI == "" {
		errs = append(errs, errors.New("redirect_uri must not be empty"))
	}

	if len(cfg.Synchronize) == 0 {
		errs = append(errs, errors.New("at least one [synchronize] mapping is required"))
	}

	locals := make(map[string]string, len(cfg.Synchronize))

	for _, m := range cfg.Mappings() {
		errs = append(errs, validateMapping(m)...)

		// Two remote folders mirroring from the same local directory would
		// fight over each other's catalog rows.
		if other, ok := locals[m.Local]; ok {
			errs = append(errs, fmt.Errorf(
				"synchronize: local directory %q is mapped to both %q and %q", m.Local, other, m.Remote))
		}

		locals[m.Local] = m.Remote
	}

	return errors.Join(errs...)
}

// validateMapping checks one [synchronize] entry.
func validateMapping(m Mapping) []error {
	var errs []error

	if m.Remote == "" {
		errs = append(errs, errors.New("synchronize: remote folder path must not be empty"))
	} else if strings.HasPrefix(m.Remote, "/") || strings.HasSuffix(m.Remote, "/") {
		errs = append(errs, fmt.Errorf(
			"synchronize: remote folder %q must be drive-relative without leading or trailing slash", m.Remote))
	}

	if m.Local == "" {
		errs = append(errs, fmt.Errorf("synchronize: no local directory given for %q", m.Remote))
	} else if !filepath.IsAbs(m.Local) {
		errs = append(errs, fmt.Errorf("synchronize: local directory %q for %q must be absolute", m.Local, m.Remote))
	}

	return errs
}
