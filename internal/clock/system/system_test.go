package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNow_IsUTC(t *testing.T) {
	t.Parallel()

	now := New().Now()
	require.Equal(t, time.UTC, now.Location())
	require.WithinDuration(t, time.Now(), now, time.Second)
}
