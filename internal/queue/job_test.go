package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobKeyRendering(t *testing.T) {
	t.Parallel()
	j := &Job{ID: 42}

	plain := j.Key("jobs", false)
	require.Equal(t, "jobs_42", plain)

	scrambled := j.Key("jobs", true)
	require.NotEqual(t, plain, scrambled)
	// Deterministic per id, distinct across ids.
	require.Equal(t, scrambled, j.Key("jobs", true))
	other := &Job{ID: 43}
	require.NotEqual(t, scrambled, other.Key("jobs", true))
}

func TestCompareAuthToken(t *testing.T) {
	t.Parallel()
	j := &Job{Passport: 12345, Events: make([]JobEvent, 2)}
	token := j.AuthToken()
	require.Equal(t, "12345_2", token)

	cases := []struct {
		name  string
		token string
		want  TokenCompareResult
	}{
		{"complete", "12345_2", TokenCompleteMatch},
		{"stale ordinal", "12345_1", TokenPassportOnly},
		{"wrong passport", "99999_2", TokenNoMatch},
		{"no separator", "123452", TokenInvalid},
		{"garbage passport", "abc_2", TokenInvalid},
		{"garbage ordinal", "12345_x", TokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, j.CompareAuthToken(tc.token))
		})
	}
}
