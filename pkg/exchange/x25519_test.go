package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretSymmetry(t *testing.T) {
	a := assert.New(t)

	alice, err := NewKeyPair()
	require.NoError(t, err)
	bob, err := NewKeyPair()
	require.NoError(t, err)

	aliceShared, err := alice.Shared(bob.PublicBytes())
	a.NoError(err)
	bobShared, err := bob.Shared(alice.PublicBytes())
	a.NoError(err)

	a.Equal(aliceShared, bobShared)
	a.Len(aliceShared, KeySize)
}

func TestSharedRejectsInvalidKey(t *testing.T) {
	a := assert.New(t)
	kp, err := NewKeyPair()
	require.NoError(t, err)

	_, err = kp.Shared([]byte("short"))
	a.ErrorIs(err, ErrInvalidKey)

	// All-zero public is a low-order point.
	_, err = kp.Shared(make([]byte, KeySize))
	a.ErrorIs(err, ErrLowOrderPoint)
}

func TestRestore(t *testing.T) {
	a := assert.New(t)
	kp, err := NewKeyPair()
	require.NoError(t, err)

	restored, err := Restore(kp.SecretBytes())
	a.NoError(err)
	a.Equal(kp.PublicBytes(), restored.PublicBytes())

	_, err = Restore([]byte{1, 2, 3})
	a.ErrorIs(err, ErrInvalidKey)
}
