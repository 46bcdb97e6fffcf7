package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_PersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrCreate(dir)
	require.NoError(t, err)

	id2, err := LoadOrCreate(dir)
	require.NoError(t, err)

	assert.Equal(t, id1.PublicKeyHex(), id2.PublicKeyHex())
}

func TestLoadOrCreate_FreshKeysDiffer(t *testing.T) {
	id1, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	id2, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	assert.NotEqual(t, id1.PublicKeyHex(), id2.PublicKeyHex())
}

func TestSignVerify_RoundTrip(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	env := id.Sign(`{"type":"note","message":"hello"}`)
	assert.Equal(t, id.PublicKeyHex(), env.SenderKey)
	assert.True(t, Verify(env))
}

func TestVerify_RejectsTampering(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	env := id.Sign("original content")

	tampered := env
	tampered.Content = "forged content"
	assert.False(t, Verify(tampered))

	badSig := env
	badSig.Signature = "deadbeef"
	assert.False(t, Verify(badSig))

	badKey := env
	badKey.SenderKey = "not-hex"
	assert.False(t, Verify(badKey))
}

func TestSignJSON_ContentIsCanonicalJSON(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	env, err := id.SignJSON(map[string]string{"type": "note"})
	require.NoError(t, err)
	assert.True(t, Verify(env))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(env.Content), &decoded))
	assert.Equal(t, "note", decoded["type"])
}

func TestDerivedIdentifiers(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	raw := id.RawHex()
	assert.Len(t, raw, 64)
	assert.Len(t, id.ShortID(), 8)
	assert.Equal(t, raw[56:], id.ShortID())

	// The full key carries the DER header in front of the raw key.
	full := id.PublicKeyHex()
	assert.Greater(t, len(full), 64)
	assert.Equal(t, raw, full[len(full)-64:])
}
