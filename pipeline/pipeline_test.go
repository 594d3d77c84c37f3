package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalorchestrator.dev/blueprint"
)

func testResolved() blueprint.Resolved {
	return blueprint.Resolved{
		Blueprint: blueprint.Blueprint{
			ID:    "foo__bar",
			Title: "Foo Bar",
			Prompts: []blueprint.Prompt{
				{Text: "hello"},
			},
		},
		ConcreteModels: []string{"anthropic:claude-3/sonnet"},
		RunLabel:       "abc123",
	}
}

func TestCommandRunner_ReturnsLastStdoutLine(t *testing.T) {
	r := &CommandRunner{
		Binary: "sh",
		Args:   []string{"-c", "cat >/dev/null; echo noise; echo artifacts/run-abc123.json"},
	}
	artifact, err := r.Run(context.Background(), testResolved(), RunOptions{CommitSHA: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "artifacts/run-abc123.json", artifact)
}

func TestCommandRunner_PassesInputOnStdin(t *testing.T) {
	r := &CommandRunner{
		Binary: "sh",
		Args:   []string{"-c", "cat"},
	}
	artifact, err := r.Run(context.Background(), testResolved(), RunOptions{CommitSHA: "deadbeef"})
	require.NoError(t, err)

	var decoded commandInput
	require.NoError(t, json.Unmarshal([]byte(artifact), &decoded))
	assert.Equal(t, "foo__bar", decoded.BlueprintID)
	assert.Equal(t, "deadbeef", decoded.CommitSHA)
}

func TestCommandRunner_NonZeroExitIsError(t *testing.T) {
	r := &CommandRunner{
		Binary: "sh",
		Args:   []string{"-c", "cat >/dev/null; echo boom 1>&2; exit 1"},
	}
	_, err := r.Run(context.Background(), testResolved(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandRunner_EmptyOutputIsError(t *testing.T) {
	r := &CommandRunner{
		Binary: "sh",
		Args:   []string{"-c", "cat >/dev/null"},
	}
	_, err := r.Run(context.Background(), testResolved(), RunOptions{})
	require.Error(t, err)
}

func TestHTTPRunner_SubmitsAndPollsUntilDone(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, req *http.Request) {
		var decoded commandInput
		require.NoError(t, json.NewDecoder(req.Body).Decode(&decoded))
		assert.Equal(t, "foo__bar", decoded.BlueprintID)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/runs/abc123", func(w http.ResponseWriter, req *http.Request) {
		polls++
		status := httpRunStatus{Status: "running"}
		if polls >= 2 {
			status = httpRunStatus{Status: "done", Artifact: "artifacts/run-abc123.json"}
		}
		require.NoError(t, json.NewEncoder(w).Encode(status))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	r := &HTTPRunner{BaseURL: server.URL, PollInterval: 10 * time.Millisecond}
	artifact, err := r.Run(context.Background(), testResolved(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "artifacts/run-abc123.json", artifact)
	assert.GreaterOrEqual(t, polls, 2)
}

func TestHTTPRunner_FailedStatusIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/runs/abc123", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(httpRunStatus{Status: "failed", Error: "model unavailable"}))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	r := &HTTPRunner{BaseURL: server.URL, PollInterval: 5 * time.Millisecond}
	_, err := r.Run(context.Background(), testResolved(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestHTTPRunner_SubmitErrorStatusPropagates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	r := &HTTPRunner{BaseURL: server.URL}
	_, err := r.Run(context.Background(), testResolved(), RunOptions{})
	require.Error(t, err)
}

func TestHTTPRunner_ContextCancellationStopsPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/runs/abc123", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(httpRunStatus{Status: "running"}))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r := &HTTPRunner{BaseURL: server.URL, PollInterval: 5 * time.Millisecond}
	_, err := r.Run(ctx, testResolved(), RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "last", lastNonEmptyLine([]byte("first\nsecond\nlast\n\n")))
	assert.Equal(t, "", lastNonEmptyLine([]byte("\n\n")))
	assert.Equal(t, "only", lastNonEmptyLine([]byte("only")))
}

func TestSanitizeJobName(t *testing.T) {
	assert.Equal(t, "abc123", sanitizeJobName("abc123"))
	assert.Equal(t, "a-b-c", sanitizeJobName("a/b:c"))
}
