package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRef_TimeOrdered(t *testing.T) {
	t.Parallel()

	now := time.Now()
	first := NewRef(now)
	second := NewRef(now)
	later := NewRef(now.Add(time.Second))

	require.Len(t, string(first), 26)
	require.Less(t, string(first), string(second))
	require.Less(t, string(second), string(later))

	ts, err := ParseRef(later)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Second).UnixMilli(), ts.UnixMilli())
}

func TestParseRef_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ParseRef("not-a-ref")
	require.Error(t, err)
}
