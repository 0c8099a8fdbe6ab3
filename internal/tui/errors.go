package tui

import (
	"errors"
	"strings"

	"github.com/basket/go-swarm/internal/persistence"
)

// humanError turns a store error into a one-line status for the footer.
// Corruption is called out by name; anything else shows the innermost
// message of the wrap chain ("list agents: read agents.json: permission
// denied" becomes "Permission denied").
func humanError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, persistence.ErrStorageCorruption) {
		return "Storage corrupted; run goswarm doctor"
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		msg = msg[idx+2:]
	}
	if msg == "" {
		return err.Error()
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
