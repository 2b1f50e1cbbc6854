package crypto

import (
	"context"
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

func TestWrapPrivateKey_RoundTrip(t *testing.T) {
	ctx := context.Background()
	wk, err := CreateWrappingKey(ctx, "tenant-a")
	require.NoError(t, err)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	for name, key := range map[string]gocrypto.Signer{"ecdsa": ecKey, "ed25519": edKey} {
		t.Run(name, func(t *testing.T) {
			wrapped, err := wk.WrapPrivateKey(ctx, key)
			require.NoError(t, err)

			unwrapped, err := wk.UnwrapPrivateKey(ctx, wrapped)
			require.NoError(t, err)
			assert.Equal(t, key.Public(), unwrapped.Public())
		})
	}
}

func TestWrapWrappingKey_RoundTrip(t *testing.T) {
	ctx := context.Background()
	master, err := DeriveMasterKey(ctx, "passphrase", "salt", logger.NewNoopLogger())
	require.NoError(t, err)
	child, err := CreateWrappingKey(ctx, "child")
	require.NoError(t, err)

	wrappedChild, err := master.Wrap(ctx, child)
	require.NoError(t, err)

	restored, err := master.UnwrapWrappingKey(ctx, "child", child.Algorithm(), wrappedChild)
	require.NoError(t, err)
	assert.Equal(t, child.key, restored.key)

	// a key wrapped by the child can be unwrapped by the restored child
	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	wrapped, err := child.WrapPrivateKey(ctx, ecKey)
	require.NoError(t, err)
	unwrapped, err := restored.UnwrapPrivateKey(ctx, wrapped)
	require.NoError(t, err)
	assert.True(t, ecKey.PublicKey.Equal(unwrapped.Public()))
}

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, err := DeriveMasterKey(ctx, "", "", logger.NewNoopLogger())
	require.NoError(t, err)
	b, err := DeriveMasterKey(ctx, constants.DevelopmentPassphrase, constants.DevelopmentSalt, logger.NewNoopLogger())
	require.NoError(t, err)
	assert.Equal(t, a.key, b.key)

	c, err := DeriveMasterKey(ctx, "other", constants.DevelopmentSalt, logger.NewNoopLogger())
	require.NoError(t, err)
	assert.NotEqual(t, a.key, c.key)
}

func TestUnwrap_Failures(t *testing.T) {
	ctx := context.Background()
	wk, err := CreateWrappingKey(ctx, "a")
	require.NoError(t, err)
	other, err := CreateWrappingKey(ctx, "b")
	require.NoError(t, err)

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	wrapped, err := wk.WrapPrivateKey(ctx, edKey)
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		_, err := other.UnwrapPrivateKey(ctx, wrapped)
		assert.Equal(t, errors.KindPermanentCrypto, errors.KindOf(err))
	})

	t.Run("malformed bytes", func(t *testing.T) {
		_, err := wk.UnwrapPrivateKey(ctx, []byte("not a blob"))
		assert.Equal(t, errors.KindPermanentCrypto, errors.KindOf(err))
	})

	t.Run("algorithm mismatch", func(t *testing.T) {
		w, err := wk.Wrap(ctx, other)
		require.NoError(t, err)
		_, err = wk.UnwrapWrappingKey(ctx, "b", "DES", w)
		assert.Equal(t, errors.KindPermanentCrypto, errors.KindOf(err))
	})

	t.Run("wrapping key bytes are not a private key", func(t *testing.T) {
		w, err := wk.Wrap(ctx, other)
		require.NoError(t, err)
		_, err = wk.UnwrapPrivateKey(ctx, w)
		assert.Equal(t, errors.KindPermanentCrypto, errors.KindOf(err))
	})
}

func TestDestroyWipesKey(t *testing.T) {
	wk, err := CreateWrappingKey(context.Background(), "a")
	require.NoError(t, err)
	wk.Destroy()
	assert.Equal(t, make([]byte, wrappingKeySize), wk.key)
}

func TestWipePrivateKey(t *testing.T) {
	ctx := context.Background()
	wk, err := CreateWrappingKey(ctx, "a")
	require.NoError(t, err)

	for _, code := range SchemeCodeNames() {
		t.Run(code, func(t *testing.T) {
			scheme, err := LookupScheme(code)
			require.NoError(t, err)
			priv, err := scheme.GenerateKey()
			require.NoError(t, err)
			wrapped, err := wk.WrapPrivateKey(ctx, priv)
			require.NoError(t, err)
			unwrapped, err := wk.UnwrapPrivateKey(ctx, wrapped)
			require.NoError(t, err)

			WipePrivateKey(unwrapped)
			switch k := unwrapped.(type) {
			case *ecdsa.PrivateKey:
				assert.True(t, allZero(k.D.Bits()))
			case *rsa.PrivateKey:
				assert.True(t, allZero(k.D.Bits()))
				for _, p := range k.Primes {
					assert.True(t, allZero(p.Bits()))
				}
			case ed25519.PrivateKey:
				assert.Equal(t, make(ed25519.PrivateKey, ed25519.PrivateKeySize), k)
			default:
				t.Fatalf("unexpected key type %T", unwrapped)
			}
		})
	}
}

func allZero(words []big.Word) bool {
	for _, w := range words {
		if w != 0 {
			return false
		}
	}
	return true
}
