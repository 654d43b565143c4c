package logs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func lines(logs *observer.ObservedLogs) []string {
	var out []string
	for _, e := range logs.All() {
		out = append(out, e.ContextMap()["line"].(string))
	}
	return out
}

func TestWriter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := NewWriter(zap.New(core).Sugar(), "child stderr")

	_, err := w.Write([]byte("hel"))
	require.NoError(t, err)
	assert.Equal(t, 0, logs.Len())

	n, err := w.Write([]byte("lo\nworld\r\npartial"))
	require.NoError(t, err)
	assert.Equal(t, 17, n)
	assert.Equal(t, []string{"hello", "world"}, lines(logs))

	require.NoError(t, w.Close())
	assert.Equal(t, []string{"hello", "world", "partial"}, lines(logs))
	assert.Equal(t, "child stderr", logs.All()[0].Message)
}

func TestWriterLongLine(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := NewWriter(zap.New(core).Sugar(), "out")

	_, err := w.Write([]byte(strings.Repeat("x", maxLine+10)))
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	assert.Len(t, lines(logs)[0], maxLine+10)
}
