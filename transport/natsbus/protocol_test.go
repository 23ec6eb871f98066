package natsbus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox"
)

func TestSubjectAndTokens(t *testing.T) {
	assert.Equal(t, "lockbox.local.get", Subject(DefaultPrefix, "local", OpGet))

	assert.NoError(t, validateToken("store", "local"))
	for _, bad := range []string{"", "a.b", "a*", "a>", "a b"} {
		assert.Error(t, validateToken("store", bad), bad)
	}
}

func TestReplyKeepsUndefinedValues(t *testing.T) {
	data, err := encode(reply{OK: true, Values: toWire(lockbox.Values{
		"present": []byte(`{"a":1}`),
		"absent":  nil,
	})})
	require.NoError(t, err)

	var res reply
	require.NoError(t, decode(data, &res))
	values := fromWire(res.Values)

	require.Contains(t, values, "absent")
	assert.Nil(t, values["absent"])
	assert.Equal(t, `{"a":1}`, string(values["present"]))
}

func TestQueryWire(t *testing.T) {
	q := lockbox.WithDefaults(lockbox.Values{"theme": []byte(`"dark"`)})
	data, err := encode(queryToWire(q))
	require.NoError(t, err)

	var req request
	require.NoError(t, decode(data, &req))
	got := queryFromWire(req)

	assert.Equal(t, lockbox.QueryDefaults, got.Mode)
	assert.Equal(t, `"dark"`, string(got.Defaults["theme"]))

	data, err = encode(queryToWire(lockbox.AllKeys()))
	require.NoError(t, err)
	req = request{}
	require.NoError(t, decode(data, &req))
	assert.Equal(t, lockbox.QueryAll, queryFromWire(req).Mode)
}

func TestChangesWire(t *testing.T) {
	in := lockbox.Changes{
		"added":   {NewValue: []byte(`1`)},
		"removed": {OldValue: []byte(`2`)},
	}
	data, err := encode(changesToWire(in))
	require.NoError(t, err)

	var wire map[string]wireChange
	require.NoError(t, decode(data, &wire))
	out := changesFromWire(wire)

	assert.Nil(t, out["added"].OldValue)
	assert.Equal(t, `1`, string(out["added"].NewValue))
	assert.Equal(t, `2`, string(out["removed"].OldValue))
	assert.Nil(t, out["removed"].NewValue)
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{fmt.Errorf("wrapped: %w", lockbox.ErrQuotaExceeded), lockbox.ErrQuotaExceeded},
		{lockbox.ErrWriteVerificationFailed, lockbox.ErrWriteVerificationFailed},
		{lockbox.ErrNotReady, lockbox.ErrNotReady},
		{lockbox.ErrClosed, lockbox.ErrClosed},
	}
	for _, tt := range tests {
		t.Run(tt.want.Error(), func(t *testing.T) {
			err := replyError(failure(tt.err))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	err := replyError(failure(errors.New("disk on fire")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.NoError(t, replyError(reply{OK: true}))
}
