package procmsg

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	require.NoError(t, w.Write(Report(256)))
	require.NoError(t, w.Write(Init()))
	require.NoError(t, w.Write(Shutdown()))

	r := NewReader(buf)
	m1, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, TypeReport, m1.Type)
	require.Equal(t, 256, m1.MemoryMB)

	m2, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, TypeInit, m2.Type)
	require.True(t, m2.Init)

	m3, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, TypeShutdown, m3.Type)

	_, err = r.Read()
	require.ErrorIs(t, err, io.EOF)
}
