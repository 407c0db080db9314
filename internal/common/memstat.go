package common

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// ResidentMemory reports the RSS of the current process in bytes (linux only).
func ResidentMemory() (int, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("could not get process: %w", err)
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, fmt.Errorf("could not get process stat: %w", err)
	}
	return stat.ResidentMemory(), nil
}
