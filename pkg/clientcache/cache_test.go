package clientcache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

func TestCache_GetOrCreateBuildsOnce(t *testing.T) {
	c := New[*closer](time.Minute, time.Minute, zap.NewNop())
	builds := 0
	build := func() (*closer, error) {
		builds++
		return &closer{}, nil
	}

	a, err := c.GetOrCreate("mb:1", build)
	require.NoError(t, err)
	b, err := c.GetOrCreate("mb:1", build)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, builds)
}

func TestCache_InvalidateClosesClient(t *testing.T) {
	c := New[*closer](time.Minute, time.Minute, zap.NewNop())
	cl, err := c.GetOrCreate("mb:1", func() (*closer, error) { return &closer{}, nil })
	require.NoError(t, err)

	c.Invalidate("mb:1")
	assert.True(t, cl.closed)
	assert.Equal(t, 0, c.Len())
}

func TestCache_ExpiredEntryIsRebuilt(t *testing.T) {
	c := New[*closer](10*time.Millisecond, time.Hour, zap.NewNop())
	first, err := c.GetOrCreate("mb:1", func() (*closer, error) { return &closer{}, nil })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	second, err := c.GetOrCreate("mb:1", func() (*closer, error) { return &closer{}, nil })
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestCache_BuildErrorNotCached(t *testing.T) {
	c := New[*closer](time.Minute, time.Minute, zap.NewNop())
	_, err := c.GetOrCreate("mb:1", func() (*closer, error) { return nil, errors.New("auth") })
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_CloseEvictsAll(t *testing.T) {
	c := New[*closer](time.Minute, time.Minute, zap.NewNop())
	a, _ := c.GetOrCreate("a", func() (*closer, error) { return &closer{}, nil })
	b, _ := c.GetOrCreate("b", func() (*closer, error) { return &closer{}, nil })

	c.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
