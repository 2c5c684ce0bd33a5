package mediaid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewDeriverValidation(t *testing.T) {
	_, err := NewDeriver("not-hex")
	assert.Error(t, err)

	_, err = NewDeriver("00010203")
	assert.Error(t, err, "short keys rejected")

	_, err = NewDeriver(testKeyHex)
	assert.NoError(t, err)
}

func TestMediaIDDeterministic(t *testing.T) {
	d, err := NewDeriver(testKeyHex)
	require.NoError(t, err)

	id1 := d.MediaID("media-name", false)
	id2 := d.MediaID("media-name", false)
	assert.Equal(t, id1, id2)
	assert.NotEmpty(t, id1)
}

func TestMediaIDVariantsDiffer(t *testing.T) {
	d, err := NewDeriver(testKeyHex)
	require.NoError(t, err)

	fullsize := d.MediaID("media-name", false)
	thumbnail := d.MediaID("media-name", true)
	assert.NotEqual(t, fullsize, thumbnail)

	other := d.MediaID("other-name", false)
	assert.NotEqual(t, fullsize, other)
}

func TestMediaIDRotatesWithKey(t *testing.T) {
	d1, err := NewDeriver(testKeyHex)
	require.NoError(t, err)
	d2, err := NewDeriver("ffffffffffffffffffffffffffffffff00000000000000000000000000000000")
	require.NoError(t, err)

	assert.NotEqual(t, d1.MediaID("media-name", false), d2.MediaID("media-name", false))
}
