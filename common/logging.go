// Package common provides the orchestrator's logging infrastructure:
// a global logrus instance whose output is routed through an
// OutputSplitter that sends error-level lines to stderr and everything
// else to stdout, so containerized deployments can treat the two
// streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based
// on their level. Detection is a plain byte search for the error
// marker logrus emits ("level=error" from its text formatter,
// "level":"error" from its JSON formatter), without parsing the line.
type OutputSplitter struct{}

// Write routes p to stderr when it carries an error-level marker and
// to stdout otherwise. Safe for concurrent use; the OS streams handle
// their own synchronisation.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global fallback logger, pre-wired with the
// OutputSplitter. NewContextLogger falls back to it when handed a nil
// logger; the daemon normally builds its own configured instance via
// NewLogger instead.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
