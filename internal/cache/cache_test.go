package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledServiceIsNoop(t *testing.T) {
	ctx := context.Background()
	for _, s := range []*Service{nil, Disabled()} {
		assert.False(t, s.Available())
		require.NoError(t, s.Set(ctx, "k", map[string]int{"a": 1}, time.Minute))
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Publish(ctx, "ch", "hello"))

		var out map[string]int
		found, err := s.Get(ctx, "k", &out)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, out)
		assert.NoError(t, s.Close())
	}
}

func TestNewWithoutURL(t *testing.T) {
	s, err := New(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, s.Available())
}

func TestNewRejectsBadURL(t *testing.T) {
	s, err := New(context.Background(), "mysql://localhost")
	assert.Error(t, err)
	assert.False(t, s.Available())
}
