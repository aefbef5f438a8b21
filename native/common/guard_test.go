package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardHonoursHierarchy(t *testing.T) {
	pauses := NewPauses("lending.borrow")
	require.ErrorIs(t, Guard(pauses, "lending.borrow"), ErrModulePaused)
	require.NoError(t, Guard(pauses, "lending.supply"))

	pauses.Set("LENDING", true)
	require.ErrorIs(t, Guard(pauses, "lending.supply"), ErrModulePaused)

	pauses.Set("lending", false)
	pauses.Set("lending.borrow", false)
	require.NoError(t, Guard(pauses, "lending.borrow"))
	require.Empty(t, pauses.Snapshot())

	require.NoError(t, Guard(nil, "lending.borrow"))
	var nilPauses *Pauses
	require.False(t, nilPauses.IsPaused("lending"))
}
