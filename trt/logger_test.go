package trt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggers(t *testing.T) {
	require.Equal(t, "WARNING", SeverityWarning.String())
	require.Equal(t, "Severity(7)", Severity(7).String())
	s, err := SeverityString("internal_error")
	require.NoError(t, err)
	require.Equal(t, SeverityInternalError, s)
	_, err = SeverityString("fatal")
	require.Error(t, err)

	captured := &CaptureLogger{}
	logf(captured, SeverityInfo, "engine %q built", "x")
	logf(nil, SeverityInfo, "dropped")
	require.Equal(t, []LogEntry{{SeverityInfo, `engine "x" built`}}, captured.Entries())
	require.True(t, captured.Contains("built"))
	require.False(t, captured.Contains("dropped"))

	// Only checks it doesn't panic for any severity.
	klogLogger := &KlogLogger{Name: "test"}
	for s := SeverityInternalError; s <= SeverityVerbose; s++ {
		klogLogger.Log(s, "message with severity "+s.String())
	}
}
