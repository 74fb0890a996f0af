package credentials

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestStore(t *testing.T) {
	keyring.MockInit()
	store := NewStore()
	const server = "http://localhost:8080"

	_, err := store.Load(server)
	assert.ErrorIs(t, err, ErrNoCredentials)

	creds := &Credentials{Token: "abc", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	require.NoError(t, store.Save(server, creds))

	got, err := store.Load(server)
	require.NoError(t, err)
	assert.Equal(t, creds.Token, got.Token)
	assert.True(t, creds.ExpiresAt.Equal(got.ExpiresAt))

	_, err = store.Load("http://other:8080")
	assert.ErrorIs(t, err, ErrNoCredentials)

	require.NoError(t, store.Delete(server))
	require.NoError(t, store.Delete(server))
	_, err = store.Load(server)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStore_Expired(t *testing.T) {
	keyring.MockInit()
	store := NewStore()

	require.NoError(t, store.Save("s", &Credentials{Token: "old", ExpiresAt: time.Now().Add(-time.Minute)}))
	_, err := store.Load("s")
	assert.ErrorIs(t, err, ErrExpired)
}
