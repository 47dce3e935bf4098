package core

import (
	"os"

	"github.com/naoina/toml"
)

// Config bundles the process-wide knobs that used to be Makefile.uk
// compile-time constants (TCB_RESERVED, default stack sizes) into a single
// loaded document, the same role go-ethereum's node.Config TOML file
// plays for this module's teacher.
type Config struct {
	// DefaultStackSize is reported by Start's log line and by Inspect. The
	// thread package does not read it: CreateContainer and CreateFn0/1/2
	// apply their own 256KiB default when given a zero stack length.
	DefaultStackSize uint64 `toml:"default_stack_size"`
	// TCBReserved is passed to tls.ReserveTCB at startup.
	TCBReserved uint64 `toml:"tcb_reserved"`
	// TLSTemplateAlign is passed to tls.SetTemplate at startup.
	TLSTemplateAlign uint64 `toml:"tls_template_align"`
	// EnableUKTLS toggles sysbin.WithUKTLS for the process's Shim.
	EnableUKTLS bool `toml:"enable_uktls"`
}

// DefaultConfig mirrors the original's compile-time defaults: a 256KiB
// stack and a single self-pointer's worth of TCB reservation.
func DefaultConfig() Config {
	return Config{
		DefaultStackSize: 256 * 1024,
		TCBReserved:      8,
		TLSTemplateAlign: 8,
		EnableUKTLS:      true,
	}
}

// LoadConfig reads and decodes a TOML document at path, falling back to
// DefaultConfig for any field the document leaves unset.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
