package sourceref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
)

func TestCanonicalize_NormalizesURLForms(t *testing.T) {
	cases := []struct {
		name string
		repo string
		want string
	}{
		{"plain https", "https://github.com/user/repo", "https://github.com/user/repo"},
		{"dot-git suffix", "https://github.com/user/repo.git", "https://github.com/user/repo"},
		{"trailing slash", "https://github.com/user/repo/", "https://github.com/user/repo"},
		{"http upgraded", "http://github.com/user/repo", "https://github.com/user/repo"},
		{"ssh form", "git@github.com:user/repo.git", "https://github.com/user/repo"},
		{"bare host/owner/repo", "github.com/user/repo", "https://github.com/user/repo"},
		{"uppercase host", "https://GitHub.com/user/repo", "https://github.com/user/repo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Canonicalize(chain.SourceRef{Repo: tc.repo, Commit: "main", BuildTarget: "wasm32-wasip1"}, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Repo)
		})
	}
}

func TestCanonicalize_RejectsNonAllowlistedHost(t *testing.T) {
	_, err := Canonicalize(chain.SourceRef{Repo: "https://gitlab.com/user/repo", Commit: "main", BuildTarget: "wasm32-wasip1"}, nil)
	require.Error(t, err)
}

func TestCanonicalize_RejectsBadBuildPaths(t *testing.T) {
	bad := []string{"../etc/passwd", "/etc/passwd", ".hidden/file", "   "}
	for _, p := range bad {
		_, err := Canonicalize(chain.SourceRef{Repo: "https://github.com/user/repo", Commit: "main", BuildTarget: "wasm32-wasip1", BuildPath: p}, nil)
		assert.Error(t, err, "build path %q should be rejected", p)
	}
}

func TestCanonicalize_AcceptsGoodBuildPath(t *testing.T) {
	c, err := Canonicalize(chain.SourceRef{Repo: "https://github.com/user/repo", Commit: "main", BuildTarget: "wasm32-wasip1", BuildPath: "examples/hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "examples/hello", c.BuildPath)
}

func TestCanonicalize_RejectsUnknownTarget(t *testing.T) {
	_, err := Canonicalize(chain.SourceRef{Repo: "https://github.com/user/repo", Commit: "main", BuildTarget: "x86_64-unknown-linux"}, nil)
	require.Error(t, err)
}

// TestCanonicalize_Idempotent exercises spec §8 property 1: for all u for
// which canonicalize(u) succeeds, canonicalizing the canonical form again
// yields the same result.
func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{
		"github.com/user/repo",
		"https://github.com/user/repo.git",
		"git@github.com:user/repo.git",
		"https://github.com/user/repo/",
	}
	for _, in := range inputs {
		first, err := Canonicalize(chain.SourceRef{Repo: in, Commit: "abc", BuildTarget: "wasm32-wasip1"}, nil)
		require.NoError(t, err)
		second, err := Canonicalize(chain.SourceRef{Repo: first.Repo, Commit: first.Commit, BuildTarget: first.BuildTarget, BuildPath: first.BuildPath}, nil)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestFingerprint_DeterministicAndPathSensitive(t *testing.T) {
	a := Canonical{Repo: "https://github.com/user/repo", Commit: "abc123", BuildTarget: "wasm32-wasip1"}
	b := Canonical{Repo: "https://github.com/user/repo", Commit: "abc123", BuildTarget: "wasm32-wasip1"}
	c := Canonical{Repo: "https://github.com/user/repo", Commit: "abc123", BuildTarget: "wasm32-wasip1", BuildPath: "examples/hello"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}
