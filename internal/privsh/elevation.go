package privsh

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ElevationAvailable spawns a throwaway elevated process running an identity
// check and inspects both exit status and output for proof of elevated
// identity. Any failure means "not available", never an error.
func ElevationAvailable(ctx context.Context, suCommand string, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if suCommand == "" {
		suCommand = "su"
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := commandOutput(probeCtx, suCommand, "-c", "id")
	if err != nil {
		logger.Debug("elevation probe failed", "command", suCommand, "err", err)
		return false
	}
	if !strings.Contains(out, "uid=0") {
		logger.Debug("elevation probe ran without root identity", "output", strings.TrimSpace(out))
		return false
	}
	return true
}
