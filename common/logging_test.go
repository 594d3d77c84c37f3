package common

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStreams swaps os.Stdout and os.Stderr for pipes around fn and
// returns whatever was written to each.
func captureStreams(t *testing.T, fn func()) (stdout, stderr string) {
	t.Helper()
	oldOut, oldErr := os.Stdout, os.Stderr
	rOut, wOut, err := os.Pipe()
	require.NoError(t, err)
	rErr, wErr, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout, os.Stderr = wOut, wErr

	fn()

	os.Stdout, os.Stderr = oldOut, oldErr
	require.NoError(t, wOut.Close())
	require.NoError(t, wErr.Close())
	outBytes, err := io.ReadAll(rOut)
	require.NoError(t, err)
	errBytes, err := io.ReadAll(rErr)
	require.NoError(t, err)
	return string(outBytes), string(errBytes)
}

func TestOutputSplitter_RoutesByLevelMarker(t *testing.T) {
	splitter := &OutputSplitter{}

	stdout, stderr := captureStreams(t, func() {
		splitter.Write([]byte(`time="2024-01-15T10:30:00Z" level=error msg="backfill failed"` + "\n"))
		splitter.Write([]byte(`time="2024-01-15T10:30:00Z" level=info msg="scheduler tick finished"` + "\n"))
		splitter.Write([]byte(`time="2024-01-15T10:30:00Z" level=warning msg="drain timer rearmed"` + "\n"))
	})

	assert.Contains(t, stderr, "backfill failed")
	assert.NotContains(t, stderr, "scheduler tick finished")
	assert.Contains(t, stdout, "scheduler tick finished")
	assert.Contains(t, stdout, "drain timer rearmed")
}

// The marker match is exact and case-sensitive: "error" appearing in
// the message body, or an upper-cased marker, does not reroute a line.
func TestOutputSplitter_MarkerMatchIsLiteral(t *testing.T) {
	splitter := &OutputSplitter{}

	stdout, stderr := captureStreams(t, func() {
		splitter.Write([]byte(`level=info msg="pipeline error counted, not fatal"` + "\n"))
		splitter.Write([]byte(`LEVEL=ERROR msg="upper-cased marker"` + "\n"))
	})

	assert.Empty(t, stderr)
	assert.Contains(t, stdout, "pipeline error counted")
	assert.Contains(t, stdout, "upper-cased marker")
}

func TestOutputSplitter_WriteReturnsLength(t *testing.T) {
	splitter := &OutputSplitter{}

	messages := [][]byte{
		[]byte(""),
		[]byte("short"),
		[]byte(`level=error msg="evaluation failed for health__advice"`),
		[]byte("line 1\nline 2\nline 3\n"),
	}

	_, _ = captureStreams(t, func() {
		for _, msg := range messages {
			n, err := splitter.Write(msg)
			assert.NoError(t, err)
			assert.Equal(t, len(msg), n)
		}
	})
}

func TestNewLogger_LevelAndFormat(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: LogLevelDebug, Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "json format should select the JSON formatter")
	_, ok = logger.Out.(*OutputSplitter)
	assert.True(t, ok, "configured loggers route output through the splitter")
}

func TestNewLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: "verbose"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok, "non-json formats fall back to text")
}

func TestContextLogger_CarriesAndExtendsFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	cl := NewContextLogger(base, map[string]interface{}{"component": "scheduler"})
	cl.WithField("blueprint_id", "health__advice").Infof("tick %d", 7)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "health__advice", entry["blueprint_id"])
	assert.Equal(t, "tick 7", entry["msg"])
}

// WithField returns a derived logger; the parent's field set is
// untouched.
func TestContextLogger_WithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	parent := NewContextLogger(base, map[string]interface{}{"component": "queue"})
	_ = parent.WithField("run_label", "abc123")
	parent.Info("drained")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queue", entry["component"])
	_, present := entry["run_label"]
	assert.False(t, present)
}

func TestNewContextLogger_NilFallsBackToGlobal(t *testing.T) {
	cl := NewContextLogger(nil, nil)
	assert.Equal(t, Logger, cl.logger)
}

func TestLogger_OutputIsSplitter(t *testing.T) {
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok, "the global logger routes output through the splitter")
}
