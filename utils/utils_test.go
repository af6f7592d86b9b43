package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseThreshold(t *testing.T) {
	v, err := ParseThreshold("0.92")
	require.NoError(t, err)
	assert.InDelta(t, 0.92, v, 1e-12)

	_, err = ParseThreshold("1.5")
	assert.Error(t, err)

	_, err = ParseThreshold("abc")
	assert.Error(t, err)
}

func TestHashString(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashString(""))
	assert.NotEqual(t, HashString("a"), HashString("b"))
	assert.Equal(t, "e3b0c44298fc", ShortDigest(HashString("")))
}
