package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkers(t *testing.T) {
	n, err := parseWorkers("1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = parseWorkers("8")
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	for _, bad := range []string{"", "abc", "0", "-2", "2x"} {
		_, err := parseWorkers(bad)
		assert.Error(t, err, "HUB_WORKERS=%q", bad)
	}
}
