// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup applies a level name (debug, info, warn, ...) and a format (text or json).
func Setup(level, format string) error {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %q", level)
	}

	var f log.Formatter
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		f = &log.TextFormatter{FullTimestamp: true}
	case "json":
		f = &log.JSONFormatter{}
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q", format)
	}

	log.SetOutput(os.Stdout)
	log.SetLevel(lvl)
	log.SetFormatter(f)
	return nil
}
