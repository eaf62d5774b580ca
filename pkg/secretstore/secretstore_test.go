package secretstore

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	b, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b, err = ParseKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b, err = ParseKey(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b, err = ParseKey("")
	assert.NoError(t, err)
	assert.Nil(t, b)

	_, err = ParseKey("abcd")
	assert.Error(t, err, "长度不足")

	_, err = ParseKey("not a key!")
	assert.Error(t, err)
}

func TestCredentialsRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	store, err := Open(OpenOptions{Path: t.TempDir(), EncryptionKey: key})
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.LoadCredentials()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SaveCredentials(Credentials{APIKey: " id ", APISecret: "secret"}))
	creds, found, err := store.LoadCredentials()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Credentials{APIKey: "id", APISecret: "secret"}, creds)

	assert.Error(t, store.SaveCredentials(Credentials{APIKey: "id"}))
}

func TestGetSetString(t *testing.T) {
	store, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)

	_, found, err := store.GetString("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetString("empty", ""))
	v, found, err := store.GetString("empty")
	require.NoError(t, err)
	assert.True(t, found, "空值与不存在区分")
	assert.Equal(t, "", v)

	require.NoError(t, store.Close())
	_, _, err = store.GetString("empty")
	assert.ErrorIs(t, err, ErrNotOpened)
}
