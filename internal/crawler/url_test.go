package crawler

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveLink(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://news.example.com/list?page=2")
	require.NoError(t, err)

	cases := []struct {
		href string
		want string
		ok   bool
	}{
		{"/article/1#comments", "https://news.example.com/article/1", true},
		{"article/2", "https://news.example.com/article/2", true},
		{"https://other.test/x", "https://other.test/x", true},
		{"#top", "", false},
		{"   ", "", false},
		{"mailto:desk@example.com", "", false},
		{"javascript:void(0)", "", false},
	}
	for _, tc := range cases {
		got, ok := ResolveLink(base, tc.href)
		require.Equal(t, tc.ok, ok, tc.href)
		require.Equal(t, tc.want, got, tc.href)
	}
}

func TestSameSite(t *testing.T) {
	t.Parallel()

	require.True(t, SameSite("news.example.com", "example.com"))
	require.True(t, SameSite("www.example.com", "example.com"))
	require.True(t, SameSite("example.com", "www.example.com"))
	require.False(t, SameSite("badexample.com", "example.com"))
	require.False(t, SameSite("example.com", ""))
}

func TestSeedDue(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	seed := Seed{Active: true, Interval: time.Hour}
	require.True(t, seed.Due(now))

	last := now.Add(-30 * time.Minute)
	seed.LastGeneratedAt = &last
	require.False(t, seed.Due(now))

	last = now.Add(-time.Hour)
	require.True(t, seed.Due(now))

	seed.Active = false
	require.False(t, seed.Due(now))
}
