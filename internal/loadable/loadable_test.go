package loadable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap_PassesNonLoadedStatesThrough(t *testing.T) {
	boom := errors.New("boom")

	failed := Map(Fail[int](boom), func(v int) string { return "never" })
	assert.Equal(t, Failed, failed.State)
	assert.ErrorIs(t, failed.Err, boom)
	assert.Empty(t, failed.Value)

	offline := Map(Unavailable[int](nil), func(v int) string { return "never" })
	assert.Equal(t, NotAvailable, offline.State)

	cached := Map(Cached(21), func(v int) int { return v * 2 })
	assert.True(t, cached.IsLoaded())
	assert.True(t, cached.FromCache)
	assert.Equal(t, 42, cached.Value)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "NotAvailable", NotAvailable.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.Equal(t, "Loading", Pending[string]().String())
}
