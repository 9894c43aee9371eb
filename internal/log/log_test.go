package log

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestLog_FormatsFields(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)

	Info(CatCoord, "worker started", "name", "alpha", "pm_id", 3)

	out := buf.String()
	require.Contains(t, out, "[INFO] [coord] worker started")
	require.Contains(t, out, "name=alpha")
	require.Contains(t, out, "pm_id=3")
}

func TestLog_OrphanField(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)

	Warn(CatBus, "odd", "lonely")

	require.Contains(t, buf.String(), "lonely=<missing>")
}

func TestLog_MinLevel(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)
	SetMinLevel(LevelWarn)

	Debug(CatBus, "hidden")
	Error(CatBus, "shown")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestLog_Disabled(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)
	SetEnabled(false)

	Error(CatBus, "nothing")

	require.Empty(t, buf.String())
}

func TestLog_ErrorErr(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)

	ErrorErr(CatSuper, "stop failed", nil)

	require.Contains(t, buf.String(), "error=<nil>")
}

func TestLog_Subscribe(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := Subscribe(ctx)
	require.NotNil(t, ch)

	Info(CatConfig, "loaded")

	select {
	case ev := <-ch:
		require.Contains(t, ev.Payload, "loaded")
	case <-time.After(time.Second):
		require.Fail(t, "expected log entry")
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)

	SafeGo("boom", func() { panic("kaboom") })

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("panic=kaboom"))
	}, time.Second, 5*time.Millisecond)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelError, ParseLevel("error"))
	require.Equal(t, LevelInfo, ParseLevel("whatever"))
}
