package notify

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestConsole(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.Notify(Notice{Level: Warning, Title: "Storage reset", Message: "data was reset", Detail: "backup at /tmp/x.corrupted"})

	out := buf.String()
	assert.Contains(t, out, "! Storage reset")
	assert.Contains(t, out, "→ data was reset")
	assert.Contains(t, out, "→ backup at /tmp/x.corrupted")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "info", Info.String())
	assert.Equal(t, "warning", Warning.String())
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "level(7)", Level(7).String())
}

func TestThrottled(t *testing.T) {
	var got []Notice
	th := NewThrottled(Func(func(n Notice) { got = append(got, n) }), time.Hour)

	th.Notify(Notice{Level: Warning, Title: "one"})
	th.Notify(Notice{Level: Warning, Title: "two"})
	th.Notify(Notice{Level: Fatal, Title: "three"})

	assert.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Title)
	assert.Equal(t, "three", got[1].Title)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard.Notify(Notice{Title: "ignored"}) })
}

func TestBytes(t *testing.T) {
	assert.Equal(t, "0 bytes", Bytes(0))
	assert.Equal(t, "512 bytes", Bytes(512))
	assert.Equal(t, "104,857,600 bytes", Bytes(104857600))
}
