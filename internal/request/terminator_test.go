package request

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func run(start terminatorState, input string) terminatorState {
	state := start
	for i := 0; i < len(input); i++ {
		state = state.step(input[i])
	}
	return state
}

func TestTerminatorDetectsBlankLine(t *testing.T) {
	t.Parallel()

	require.True(t, run(stateNone, "\r\n\r\n").done())
	require.True(t, run(stateNone, "Host: a\r\nAccept: b\r\n\r\n").done())
	require.True(t, run(stateFirstNewline, "\r\n").done(), "request line CRLF already consumed")
}

func TestTerminatorResetsOnUnexpectedByte(t *testing.T) {
	t.Parallel()

	require.Equal(t, stateNone, run(stateNone, "\r\nX"))
	require.Equal(t, stateNone, run(stateNone, "\r\n\rX"))
	require.Equal(t, stateFirstReturn, run(stateNone, "abc\r"))

	// A second return while waiting for a newline resets rather than restarting.
	require.False(t, run(stateNone, "\r\r\n\r\n").done())
	require.Equal(t, stateFirstNewline, run(stateNone, "\r\r\n\r\n"))
}

func TestTerminatorDoneIsAbsorbing(t *testing.T) {
	t.Parallel()

	state := run(stateNone, "\r\n\r\n")
	for _, b := range []byte("anything\x00\r\n") {
		state = state.step(b)
		require.True(t, state.done())
	}
	require.Equal(t, "SecondNewline", state.String())
}
