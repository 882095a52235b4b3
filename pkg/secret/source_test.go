package secret

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	values map[string]string
	calls  int
	closed bool
}

func (s *countingSource) Get(ctx context.Context, path string) (string, error) {
	s.calls++
	v, ok := s.values[path]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (s *countingSource) Close() error {
	s.closed = true
	return nil
}

func TestManagerResolve(t *testing.T) {
	src := &countingSource{values: map[string]string{"MASTER": "from-source"}}
	m := NewManager()
	m.Register("test", src)
	ctx := context.Background()

	v, err := m.Resolve(ctx, "test://MASTER")
	require.NoError(t, err)
	assert.Equal(t, "from-source", v)

	v, err = m.Resolve(ctx, "literal-value")
	require.NoError(t, err)
	assert.Equal(t, "literal-value", v)

	_, err = m.Resolve(ctx, "unknown://x")
	assert.Error(t, err)

	require.NoError(t, m.Close())
	assert.True(t, src.closed)
}

func TestCachedSource(t *testing.T) {
	src := &countingSource{values: map[string]string{"k": "v"}}
	c := NewCachedSource(src, time.Minute)
	ctx := context.Background()

	for range 3 {
		v, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	}
	assert.Equal(t, 1, src.calls)

	_, err := c.Get(ctx, "missing")
	assert.Error(t, err)
}

func TestLoadCodec(t *testing.T) {
	m := NewManager()
	m.Register("test", &countingSource{values: map[string]string{"MK": "  0123456789abcdef0123  \n"}})

	c, err := LoadCodec(context.Background(), m, "test://MK")
	require.NoError(t, err)

	direct, err := NewCodec([]byte("0123456789abcdef0123"))
	require.NoError(t, err)
	assert.Equal(t, direct.KeyID(), c.KeyID())

	_, err = LoadCodec(context.Background(), m, "")
	assert.Error(t, err)
}
