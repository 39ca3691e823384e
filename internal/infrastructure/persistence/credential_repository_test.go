package persistence

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSecretBox(t *testing.T) {
	box, err := NewSecretBox(testKey())
	require.NoError(t, err)
	ad := uuid.New()

	t.Run("round trip", func(t *testing.T) {
		sealed, err := box.Seal([]byte("s3cret"), ad[:])
		require.NoError(t, err)
		assert.False(t, bytes.Contains(sealed, []byte("s3cret")))

		opened, err := box.Open(sealed, ad[:])
		require.NoError(t, err)
		assert.Equal(t, "s3cret", string(opened))
	})

	t.Run("fresh nonce per seal", func(t *testing.T) {
		a, err := box.Seal([]byte("same"), ad[:])
		require.NoError(t, err)
		b, err := box.Seal([]byte("same"), ad[:])
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("tampered ciphertext is rejected", func(t *testing.T) {
		sealed, err := box.Seal([]byte("s3cret"), ad[:])
		require.NoError(t, err)
		sealed[len(sealed)-1] ^= 0xff

		_, err = box.Open(sealed, ad[:])
		assert.Error(t, err)
	})

	t.Run("bound to additional data", func(t *testing.T) {
		sealed, err := box.Seal([]byte("s3cret"), ad[:])
		require.NoError(t, err)
		other := uuid.New()

		_, err = box.Open(sealed, other[:])
		assert.Error(t, err)
	})

	t.Run("short input", func(t *testing.T) {
		_, err := box.Open([]byte{1, 2, 3}, ad[:])
		assert.ErrorIs(t, err, errSealedTooShort)
	})

	t.Run("key length is checked", func(t *testing.T) {
		_, err := NewSecretBox([]byte("short"))
		assert.Error(t, err)
	})
}

func TestGormCredentialRepository(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	box, err := NewSecretBox(testKey())
	require.NoError(t, err)
	repo := NewGormCredentialRepository(db, box)
	conn := seedConnection(t, db)

	creds := integration.Credentials{
		ConnectionID:  conn.ID,
		Scheme:        integration.AuthSchemeBearer,
		Token:         "shpat_live_token",
		WebhookSecret: "whsec_123",
		Version:       1,
		RotatedAt:     time.Now().UTC(),
	}

	t.Run("missing credentials", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, integration.ErrCredentialsNotFound)
	})

	t.Run("stores secrets sealed", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, creds))

		var row models.CredentialModel
		require.NoError(t, db.First(&row, "connection_id = ?", conn.ID).Error)
		assert.False(t, bytes.Contains(row.Sealed, []byte("shpat_live_token")))
		assert.False(t, bytes.Contains(row.Sealed, []byte("whsec_123")))

		got, err := repo.Get(ctx, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, "shpat_live_token", got.Token)
		assert.Equal(t, "whsec_123", got.WebhookSecret)
		assert.Equal(t, 1, got.Version)
	})

	t.Run("rotation replaces the stored value", func(t *testing.T) {
		rotated := creds.Clone()
		rotated.Token = "shpat_rotated"
		rotated.Version = 2
		require.NoError(t, repo.Put(ctx, rotated))

		got, err := repo.Get(ctx, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, "shpat_rotated", got.Token)
		assert.Equal(t, 2, got.Version)

		all, err := repo.All(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("wrong key cannot open", func(t *testing.T) {
		key := testKey()
		key[0] ^= 0xff
		otherBox, err := NewSecretBox(key)
		require.NoError(t, err)

		_, err = NewGormCredentialRepository(db, otherBox).Get(ctx, conn.ID)
		assert.Error(t, err)
	})
}
