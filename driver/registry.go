package driver

import (
	"fmt"

	"pcclink/config"
)

// NewDriver creates the driver for a PLC config.  Every supported family
// speaks PCCC over EIP today; the switch is the seam for other dialects.
func NewDriver(cfg *config.PLCConfig) (Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NewDriver: nil config")
	}

	switch cfg.Family {
	case "", config.FamilyPLC5, config.FamilySLC, config.FamilyMicroLogix, config.FamilyControlLogix:
		return NewPCCCAdapter(cfg)
	default:
		return nil, fmt.Errorf("NewDriver: unsupported family %q", cfg.Family)
	}
}
