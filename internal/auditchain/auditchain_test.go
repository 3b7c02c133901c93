package auditchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveFirstLinkNeverGaps(t *testing.T) {
	c := NewChecker()
	err := c.Observe(Link{Sig: []byte("sig-1"), PrevSig: nil})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Gaps())
}

func TestObserveContinuousChainNoGaps(t *testing.T) {
	c := NewChecker()
	require.NoError(t, c.Observe(Link{Sig: []byte("sig-1")}))
	require.NoError(t, c.Observe(Link{Sig: []byte("sig-2"), PrevSig: []byte("sig-1")}))
	require.NoError(t, c.Observe(Link{Sig: []byte("sig-3"), PrevSig: []byte("sig-2")}))
	assert.Equal(t, 0, c.Gaps())
}

func TestObserveDetectsGap(t *testing.T) {
	c := NewChecker()
	require.NoError(t, c.Observe(Link{Sig: []byte("sig-1")}))
	err := c.Observe(Link{Sig: []byte("sig-2"), PrevSig: []byte("not-sig-1")})
	assert.ErrorIs(t, err, ErrGap)
	assert.Equal(t, 1, c.Gaps())
}
