package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanupRegistry(t *testing.T) {
	r := NewCleanupRegistry()

	var ran []string
	releaseA := r.Track("a", func() error { ran = append(ran, "a"); return nil })
	r.Track("b", func() error { ran = append(ran, "b"); return errors.New("boom") })
	assert.Equal(t, 2, r.Len())

	releaseA()
	assert.Equal(t, 1, r.Len())

	r.RunAll()
	assert.Equal(t, []string{"b"}, ran)
	assert.Equal(t, 0, r.Len())

	r.RunAll()
	assert.Equal(t, []string{"b"}, ran)
}
