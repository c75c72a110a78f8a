package store

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := wrap("incr", cause)

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "incr", storeErr.Op)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "incr")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNilStaysNil(t *testing.T) {
	assert.NoError(t, wrap("get", nil))
}

func TestFormatScore(t *testing.T) {
	assert.Equal(t, "0", formatScore(0))
	assert.Equal(t, "1700000000", formatScore(1_700_000_000))
	assert.Equal(t, "2.5", formatScore(2.5))
}

func TestNewRejectsMalformedURL(t *testing.T) {
	_, err := New(Config{URL: "not-a-redis-url"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewRaisesPoolSizeToOne(t *testing.T) {
	c, err := New(Config{URL: "redis://localhost:6379", PoolSize: 0}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	assert.Len(t, c.conns, 1)
}

func TestNewBuildsRequestedPool(t *testing.T) {
	c, err := New(Config{URL: "redis://localhost:6379", PoolSize: 4}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	assert.Len(t, c.conns, 4)

	for i := 0; i < 32; i++ {
		assert.NotNil(t, c.pick())
	}
}
