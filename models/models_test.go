package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCursorEncoding(t *testing.T) {
	cases := []Cursor{NotStarted(), InProgress("1180000000000000000"), Complete()}
	for _, c := range cases {
		value, ok := c.Encode()
		assert.Equal(t, c, DecodeCursor(value, ok), c.String())
	}

	_, ok := NotStarted().Encode()
	assert.False(t, ok)
	assert.Equal(t, NotStarted(), DecodeCursor("", true))
	assert.True(t, DecodeCursor("COMPLETE", true).IsComplete())
}

func TestValidateWindow(t *testing.T) {
	a := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Hour)

	assert.NoError(t, ValidateWindow(a, b))
	for _, w := range [][2]time.Time{{b, a}, {a, a}, {time.Time{}, b}, {a, time.Time{}}} {
		err := ValidateWindow(w[0], w[1])
		var iw *InvalidWindowError
		assert.ErrorAs(t, err, &iw)
	}
}

func TestChannelAllowed(t *testing.T) {
	cfg := &ArchiveConfig{Exclude: []string{"secret"}}
	assert.True(t, cfg.ChannelAllowed("general"))
	assert.False(t, cfg.ChannelAllowed("secret"))

	cfg.Include = []string{"general", "secret"}
	assert.True(t, cfg.ChannelAllowed("general"))
	assert.False(t, cfg.ChannelAllowed("random"))
	assert.False(t, cfg.ChannelAllowed("secret"), "exclude wins over include")
}
