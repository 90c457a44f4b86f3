package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings required by a command mode: "serve",
// "refresh" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(err error) {
		if err != nil {
			errs = append(errs, strings.TrimPrefix(err.Error(), "config: "))
		}
	}

	switch mode {
	case "serve":
		add(c.Source.Validate("source"))
		add(c.Dest.Validate("dest"))
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitRPS < 0 {
			errs = append(errs, "server.rate_limit_rps must be >= 0")
		}
		c.validateRefresh(&errs)
	case "refresh":
		add(c.Source.Validate("source"))
		add(c.Dest.Validate("dest"))
		c.validateRefresh(&errs)
	case "migrate":
		add(c.Dest.Validate("dest"))
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateRefresh(errs *[]string) {
	if c.Refresh.StatementTimeout <= 0 {
		*errs = append(*errs, "refresh.statement_timeout must be > 0")
	}
	if c.Refresh.BatchSize <= 0 {
		*errs = append(*errs, "refresh.batch_size must be > 0")
	}
}
