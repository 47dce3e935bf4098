package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gouk/unicore/sysbin"
	"github.com/gouk/unicore/thread"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.EqualValues(t, 256*1024, cfg.DefaultStackSize)
	assert.EqualValues(t, 8, cfg.TCBReserved)
	assert.True(t, cfg.EnableUKTLS)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "unicore-*.toml")
	require.NoError(t, err)
	_, err = f.WriteString("default_stack_size = 131072\nenable_uktls = false\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := LoadConfig(f.Name())
	require.NoError(t, err)
	assert.EqualValues(t, 131072, cfg.DefaultStackSize)
	assert.False(t, cfg.EnableUKTLS)
	// Fields left unset by the document keep DefaultConfig's values.
	assert.EqualValues(t, 8, cfg.TCBReserved)
}

func TestLoadConfigMissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig("/nonexistent/unicore.toml")
	assert.Error(t, err)
}

func TestStartStopWiresAllocatorSchedulerShim(t *testing.T) {
	defer func() { thread.YieldHook = nil }()

	c := New(DefaultConfig())
	require.NoError(t, c.Start())
	defer c.Stop()

	assert.NotNil(t, c.Allocator())
	assert.NotNil(t, c.Scheduler())
	assert.NotNil(t, c.Shim())
	assert.NotNil(t, thread.YieldHook, "Start must install the scheduler's Yield as the thread package's hook")
}

func TestStopClearsYieldHook(t *testing.T) {
	c := New(DefaultConfig())
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
	assert.Nil(t, thread.YieldHook)
}

func TestRegisterIsVisibleThroughShim(t *testing.T) {
	defer func() { thread.YieldHook = nil }()

	c := New(DefaultConfig())
	require.NoError(t, c.Start())
	defer c.Stop()

	const sysno = 9100
	c.Register(sysno, func(regs *sysbin.Regs) (uintptr, error) {
		return regs.Arg[0], nil
	})

	val := c.Shim().Handle(&sysbin.Regs{Sysno: sysno, Arg: [6]uintptr{7}})
	assert.EqualValues(t, 7, val)
}

func TestInspectRendersKnownFields(t *testing.T) {
	c := New(DefaultConfig())
	out := c.Inspect()
	assert.Contains(t, out, "inittab entries")
	assert.Contains(t, out, "tcb reserved")
}
