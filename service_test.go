package nexus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceFuncNilHooksAreNoops(t *testing.T) {
	f := ServiceFunc{ServiceName: "bare"}
	assert.Equal(t, "bare", f.Name())
	require.NoError(t, f.Init(nil))
	require.NoError(t, f.Run(nil))
	require.NoError(t, f.Shutdown(nil))
}

func TestServiceFuncDelegatesToHooks(t *testing.T) {
	boom := errors.New("boom")
	f := ServiceFunc{
		ServiceName: "wired",
		InitFunc:    func(rt *Runtime) error { return nil },
		RunFunc:     func(rt *Runtime) error { return boom },
		StopFunc:    func(rt *Runtime) error { return boom },
	}
	require.NoError(t, f.Init(nil))
	assert.ErrorIs(t, f.Run(nil), boom)
	assert.ErrorIs(t, f.Shutdown(nil), boom)
}
