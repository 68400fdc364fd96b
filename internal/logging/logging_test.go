package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestSelectWriterAuto(t *testing.T) {
	orig := isTerminalFn
	t.Cleanup(func() { isTerminalFn = orig })

	isTerminalFn = func(int) bool { return false }
	assert.Equal(t, os.Stderr, selectWriter("auto", os.Stderr))

	isTerminalFn = func(int) bool { return true }
	_, ok := selectWriter("auto", os.Stderr).(zerolog.ConsoleWriter)
	assert.True(t, ok)

	_, ok = selectWriter("console", os.Stderr).(zerolog.ConsoleWriter)
	assert.True(t, ok)
}
