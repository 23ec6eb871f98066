package integrity

import (
	"encoding/json"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox/internal/crypto"
)

func newKey(t *testing.T) *memguard.Enclave {
	t.Helper()
	secret, err := crypto.RandomSecret()
	require.NoError(t, err)
	return memguard.NewEnclave(secret)
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"key order", `{"b":1,"a":{"d":true,"c":null}}`, `{"a":{"c":null,"d":true},"b":1}`},
		{"whitespace", "[1, 2,\n 3]", "[1,2,3]"},
		{"number forms", `{"n":1.0,"m":1e2}`, `{"m":100,"n":1}`},
		{"html chars", `"<a&b>"`, `"<a&b>"`},
		{"escaped code point", `"\u00e9"`, "\"\u00e9\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca, err := Canonicalize(json.RawMessage(tt.a))
			require.NoError(t, err)
			cb, err := Canonicalize(json.RawMessage(tt.b))
			require.NoError(t, err)
			assert.Equal(t, string(ca), string(cb))
		})
	}

	out, err := Canonicalize(json.RawMessage(`{"z":"<x>","a":[1.5,true]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1.5,true],"z":"<x>"}`, string(out))

	_, err = Canonicalize(json.RawMessage(`{"a":`))
	assert.Error(t, err)
	_, err = Canonicalize(json.RawMessage(`1 2`))
	assert.Error(t, err)
}

func TestCanonicalizeKeepsUnicodeSpelling(t *testing.T) {
	composed := json.RawMessage("\"\u00e9\"")
	decomposed := json.RawMessage("\"e\u0301\"")

	ca, err := Canonicalize(composed)
	require.NoError(t, err)
	cb, err := Canonicalize(decomposed)
	require.NoError(t, err)
	assert.NotEqual(t, string(ca), string(cb))
	assert.False(t, Equal(composed, decomposed))

	ka, err := Canonicalize(json.RawMessage("{\"\u00e9\":1}"))
	require.NoError(t, err)
	kb, err := Canonicalize(json.RawMessage("{\"e\u0301\":1}"))
	require.NoError(t, err)
	assert.NotEqual(t, string(ka), string(kb))

	key := newKey(t)
	tag, err := Tag(composed, key)
	require.NoError(t, err)
	assert.True(t, Verify(composed, tag, key))
	assert.False(t, Verify(decomposed, tag, key))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":2,"a":1}`)))
	assert.False(t, Equal(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, json.RawMessage(`null`)))
}

func TestTagAndVerify(t *testing.T) {
	key := newKey(t)
	value := json.RawMessage(`{"theme":"dark","language":"en"}`)

	tag, err := Tag(value, key)
	require.NoError(t, err)
	assert.Len(t, tag, 64)

	assert.True(t, Verify(value, tag, key))
	assert.True(t, Verify(json.RawMessage(`{"language":"en","theme":"dark"}`), tag, key))
	assert.False(t, Verify(json.RawMessage(`{"theme":"light","language":"en"}`), tag, key))
	assert.False(t, Verify(value, "", key))
	assert.False(t, Verify(value, "not-hex", key))
	assert.False(t, Verify(value, tag, newKey(t)))

	tampered := []byte(tag)
	if tampered[0] == '0' {
		tampered[0] = '1'
	} else {
		tampered[0] = '0'
	}
	assert.False(t, Verify(value, string(tampered), key))
}

func TestSealAndCheck(t *testing.T) {
	key := newKey(t)
	codec := RawJSON{}

	sealed, err := Seal[json.RawMessage](codec, json.RawMessage(`[1,2,3]`), key)
	require.NoError(t, err)
	assert.Equal(t, Verified, Check[json.RawMessage](codec, sealed, key))

	forged := sealed
	forged.Value = json.RawMessage(`[1,2,4]`)
	assert.Equal(t, Mismatch, Check[json.RawMessage](codec, forged, key))

	unsigned := Tagged[json.RawMessage]{Value: json.RawMessage(`{}`)}
	assert.Equal(t, Mismatch, Check[json.RawMessage](codec, unsigned, key))

	unsigned.Origin = OriginDefault
	assert.Equal(t, Unsigned, Check[json.RawMessage](codec, unsigned, key))
	assert.True(t, Unsigned.Trusted())

	unsigned.Origin = OriginLegacy
	unsigned.Tag = sealed.Tag
	assert.Equal(t, Mismatch, Check[json.RawMessage](codec, unsigned, key), "a present tag must always match")
}
