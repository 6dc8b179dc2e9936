package engine

import (
	"fmt"
	"strings"
)

// Mode selects which role the process plays.
type Mode string

// Supported modes.
const (
	ModeStandalone Mode = "standalone"
	ModeMaster     Mode = "master"
	ModeWorker     Mode = "worker"
)

// ParseMode validates a configured mode.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeStandalone, ModeMaster, ModeWorker:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// OwnsStore reports whether the mode reads and writes the task store.
func (m Mode) OwnsStore() bool {
	return m == ModeStandalone || m == ModeMaster
}
