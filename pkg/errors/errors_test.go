package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := NewError("TOPOLOGY_DEVICES", "worker count 3 is not divisible by device count 2", ErrNotDivisible)
	assert.Equal(t, "[TOPOLOGY_DEVICES] worker count 3 is not divisible by device count 2: counts are not evenly divisible", e.Error())

	bare := NewError("WAVE_PARSE", "wavelength range is not wmin,wmax,dw", nil)
	assert.Equal(t, "[WAVE_PARSE] wavelength range is not wmin,wmax,dw", bare.Error())
}

func TestErrorUnwrapping(t *testing.T) {
	e := NewError("ASSEMBLE_SHAPE", "result is 2x50", ErrShapeMismatch)
	require.ErrorIs(t, e, ErrShapeMismatch)

	var structured *Error
	require.True(t, stderrors.As(error(e), &structured))
	assert.Equal(t, "ASSEMBLE_SHAPE", structured.Code)
}

func TestIsConfigFault(t *testing.T) {
	assert.True(t, IsConfigFault(NewError("X", "x", ErrNotDivisible)))
	assert.True(t, IsConfigFault(NewError("X", "x", ErrNoDevices)))
	assert.True(t, IsConfigFault(NewError("X", "x", ErrBadWavelengthRange)))
	assert.False(t, IsConfigFault(NewError("X", "x", ErrSolverFailure)))
	assert.False(t, IsConfigFault(nil))
}

func TestIsNotDivisible(t *testing.T) {
	assert.True(t, IsNotDivisible(ErrNotDivisible))
	assert.False(t, IsNotDivisible(ErrNoDevices))
}
