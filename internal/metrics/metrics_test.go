package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordTransitionMovesOccupancy(t *testing.T) {
	RecordTransition("IDLE", "CHECKPOINT_PENDING")
	RecordTransition("CHECKPOINT_PENDING", "CHECKPOINTING")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "dbproxy_phase_transitions_total") {
		t.Errorf("expected transitions metric in output")
	}
	if !strings.Contains(body, `dbproxy_phase_occupancy{phase="CHECKPOINTING"}`) {
		t.Errorf("expected occupancy gauge for CHECKPOINTING in output")
	}
}

func TestRecordCheckpointAndSwap(t *testing.T) {
	RecordCheckpoint("success", 2*time.Second)
	RecordCheckpoint("failure", 500*time.Millisecond)
	RecordSwap()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "dbproxy_checkpoints_total") {
		t.Errorf("expected checkpoints metric in output")
	}
	if !strings.Contains(body, "dbproxy_swaps_total") {
		t.Errorf("expected swaps metric in output")
	}
}

func TestRecordRequestBucketsByStatusClass(t *testing.T) {
	RecordRequest("/v1/messages", 200, 10*time.Millisecond)
	RecordRequest("/v1/messages", 500, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `status_class="2xx"`) {
		t.Errorf("expected 2xx status class in output")
	}
	if !strings.Contains(body, `status_class="5xx"`) {
		t.Errorf("expected 5xx status class in output")
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 0: "other"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
