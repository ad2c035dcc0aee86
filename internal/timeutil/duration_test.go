package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
	}{
		{"0", 0},
		{"300", 300 * time.Second},
		{"45s", 45 * time.Second},
		{"30m", 30 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"1d2h20m15s", 24*time.Hour + 2*time.Hour + 20*time.Minute + 15*time.Second},
		{"2d 12h", 60 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseIntervalRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "abc", "-30", "10x", "1h30", "h", "1.5h", "30m1x"} {
		_, err := ParseInterval(in)
		require.Error(t, err, in)
	}
}

func TestReadable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0 seconds"},
		{time.Second, "1 second"},
		{90 * time.Minute, "1 hour and 30 minutes"},
		{26*time.Hour + 20*time.Minute + 15*time.Second, "1 day, 2 hours, 20 minutes and 15 seconds"},
		{48 * time.Hour, "2 days"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Readable(tc.in), tc.in.String())
	}
}
