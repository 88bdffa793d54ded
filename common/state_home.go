package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetChatdStateHome returns a directory path for storing user-specific chatd
// state data (logs, the default sqlite database, etc). If needed, it also
// creates the necessary directories for storing state data according to the
// XDG spec. Can be overridden by setting the CHATD_STATE_HOME environment
// variable.
func GetChatdStateHome() (string, error) {
	stateDir := os.Getenv("CHATD_STATE_HOME")
	if stateDir != "" {
		err := os.MkdirAll(stateDir, 0755)
		if err != nil {
			return "", fmt.Errorf("failed to create chatd state directory from CHATD_STATE_HOME: %w", err)
		}
		return stateDir, nil
	}

	stateDir = filepath.Join(xdg.StateHome, "chatd")
	err := os.MkdirAll(stateDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create chatd state directory: %w", err)
	}
	return stateDir, nil
}
