package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.FrameAcquired(1920, 1080, 0.04)
	c.FrameAcquired(1920, 1080, 0.04)
	c.PullTimeout()
	c.PullError()
	c.SessionState(3)
	c.RecordingFrame(ResultWritten)
	c.RecordingFrame(ResultDropped)
	c.RecordingFrame(ResultDropped)
	c.QueueDepth(12)
	c.RecordingFinished("completed")
	c.Snapshot(true)
	c.Snapshot(false)
	c.StreamClients(2)
	c.StreamFrame("sent")

	if got := testutil.ToFloat64(c.framesAcquired); got != 2 {
		t.Errorf("Expected 2 frames, got %f", got)
	}
	if got := testutil.ToFloat64(c.frameWidth); got != 1920 {
		t.Errorf("Expected width 1920, got %f", got)
	}
	if got := testutil.ToFloat64(c.recordingFrames.WithLabelValues(ResultDropped)); got != 2 {
		t.Errorf("Expected 2 dropped frames, got %f", got)
	}
	if got := testutil.ToFloat64(c.queueDepth); got != 12 {
		t.Errorf("Expected queue depth 12, got %f", got)
	}
	if got := testutil.ToFloat64(c.snapshots.WithLabelValues("error")); got != 1 {
		t.Errorf("Expected 1 failed snapshot, got %f", got)
	}
	if got := testutil.ToFloat64(c.sessionState); got != 3 {
		t.Errorf("Expected state 3, got %f", got)
	}
	if got := testutil.ToFloat64(c.streamClients); got != 2 {
		t.Errorf("Expected 2 stream clients, got %f", got)
	}
	if got := testutil.ToFloat64(c.streamFrames.WithLabelValues("sent")); got != 1 {
		t.Errorf("Expected 1 stream frame, got %f", got)
	}
}

func TestNilCollectorsAreNoop(t *testing.T) {
	var c *Collectors
	c.FrameAcquired(1, 1, 1)
	c.PullTimeout()
	c.PullError()
	c.SessionState(1)
	c.RecordingFrame(ResultFailed)
	c.QueueDepth(1)
	c.RecordingFinished("aborted")
	c.Snapshot(true)
	c.StreamClients(1)
	c.StreamFrame("failed")
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	c := New(reg)
	c.FrameAcquired(640, 480, 0)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Failed to GET metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "areacam_frames_acquired_total 1") {
		t.Errorf("Expected frames counter in output, got:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Expected Go runtime metrics in output")
	}
}
