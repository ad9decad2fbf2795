package serde_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-dispatch/serde"
)

func TestZstd(t *testing.T) {
	zstd := serde.NewZstd()
	payload := bytes.Repeat([]byte(`{"orderId":"order-1"}`), 64)

	compressed, err := zstd.Serialize(payload)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(payload))

	decompressed, err := zstd.Deserialize(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)

	_, err = zstd.Deserialize([]byte("definitely not zstd"))
	assert.Error(t, err)
}
