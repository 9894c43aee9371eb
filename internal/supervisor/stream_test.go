package supervisor

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPumpMessages_SplitsMessagesFromPlainOutput(t *testing.T) {
	var s Session
	require.True(t, s.Open())
	defer s.Close()

	bus, err := s.Bus()
	require.NoError(t, err)

	input := strings.Join([]string{
		`starting up`,
		`{"type":"process:msg","data":{"event":"ready"}}`,
		``,
		`{"type":"other","data":{}}`,
	}, "\n")

	var plain bytes.Buffer
	require.NoError(t, PumpMessages(strings.NewReader(input), ProcessInfo{Name: "w", ID: 2}, &s, &plain))

	select {
	case p := <-bus.Packets():
		require.Equal(t, "ready", p.Data.Event())
		require.Equal(t, 2, p.Process.ID)
	case <-time.After(time.Second):
		require.Fail(t, "message not published")
	}
	require.Equal(t, "starting up\n{\"type\":\"other\",\"data\":{}}\n", plain.String())
}

func TestOpenLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "w.log")

	w, err := OpenLog(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("one\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("discarded\n"))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "one\n", string(got))
}

func TestOpenLog_EmptyPathDiscards(t *testing.T) {
	w, err := OpenLog("")
	require.NoError(t, err)
	n, err := w.Write([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, w.Close())
}

func TestEnvList_Sorted(t *testing.T) {
	require.Equal(t, []string{"A=1", "B=2"}, EnvList(map[string]string{"B": "2", "A": "1"}))
}
