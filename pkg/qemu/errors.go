package qemu

import (
	"github.com/jingkaihe/vmbox/internal/errx"
	"github.com/jingkaihe/vmbox/pkg/config"
)

// errUnsupportedBootMode guards programmatically constructed configs;
// config.FromEnv rejects unknown modes before planning is reached.
func errUnsupportedBootMode(mode config.BootMode) error {
	return errx.With(config.ErrUnsupportedBootMode, ": BOOT_MODE=%q", mode)
}
