package sdk

import (
	"fmt"

	"github.com/jrick/logrotate/rotator"
)

// InitLogRotator opens (creating if necessary) the log file at logFile and
// begins rotating it once it exceeds maxSizeMB, keeping maxRolls historical
// copies. The returned rotator must be closed by the caller on shutdown.
// Grounded on the teacher's lnd.go log-rotator bootstrap.
func InitLogRotator(logFile string, maxSizeMB int64, maxRolls int) (*rotator.Rotator, error) {
	r, err := rotator.New(logFile, maxSizeMB*1024, false, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("failed to create log rotator: %w", err)
	}
	return r, nil
}
