package hashutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portage/pkg/types"
)

func TestNewRecognizedAlgorithms(t *testing.T) {
	for _, algo := range []types.HashAlgorithm{types.HashSHA256, types.HashXXHash64, types.HashXXHash3, ""} {
		h, err := New(algo)
		require.NoError(t, err, "algorithm %q should resolve", algo)
		require.NotNil(t, h)
	}
}

func TestNewUnrecognizedAlgorithm(t *testing.T) {
	_, err := New(types.HashAlgorithm("md5"))
	require.Error(t, err)
}

func TestHasherDeterministic(t *testing.T) {
	for _, algo := range []types.HashAlgorithm{types.HashSHA256, types.HashXXHash64, types.HashXXHash3} {
		t.Run(string(algo), func(t *testing.T) {
			h1, err := New(algo)
			require.NoError(t, err)
			h2, err := New(algo)
			require.NoError(t, err)

			_, err = h1.Write([]byte("hello portage"))
			require.NoError(t, err)
			_, err = h2.Write([]byte("hello portage"))
			require.NoError(t, err)

			require.Equal(t, h1.Sum(), h2.Sum())
		})
	}
}

func TestHasherDiffersOnContent(t *testing.T) {
	for _, algo := range []types.HashAlgorithm{types.HashSHA256, types.HashXXHash64, types.HashXXHash3} {
		t.Run(string(algo), func(t *testing.T) {
			h1, _ := New(algo)
			h2, _ := New(algo)

			h1.Write([]byte("content a"))
			h2.Write([]byte("content b"))

			require.NotEqual(t, h1.Sum(), h2.Sum())
		})
	}
}

func TestHasherIncrementalWrites(t *testing.T) {
	for _, algo := range []types.HashAlgorithm{types.HashSHA256, types.HashXXHash64, types.HashXXHash3} {
		t.Run(string(algo), func(t *testing.T) {
			whole, _ := New(algo)
			whole.Write([]byte("abcdefgh"))

			chunked, _ := New(algo)
			chunked.Write([]byte("abcd"))
			chunked.Write([]byte("efgh"))

			require.Equal(t, whole.Sum(), chunked.Sum())
		})
	}
}
