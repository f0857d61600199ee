// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// BackendCassette returns an HTTP client that replays backend traffic from
// testdata/fixtures/<name>.yaml. Set VCR_MODE=record to capture the
// cassette from live backends instead. Requests are matched on method and
// URL only. The recorder is stopped when the test ends.
func BackendCassette(t *testing.T, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("open cassette %s: %v", name, err)
	}

	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})

	// Backend request ids differ per run and must not end up in fixtures.
	r.AddFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "X-Request-Id")
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop cassette %s: %v", name, err)
		}
	})

	return &http.Client{Transport: r}
}
