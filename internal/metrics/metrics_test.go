package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	return string(body)
}

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.NotificationScheduled("primary")
	r.ScheduleFailed("backup")
	r.NotificationsCancelled("pending", 3)
	r.AlarmActivated("event")
	r.UserAction("snooze", nil)
	r.ProbeRun("idle")
	r.PersistenceWrite(errors.New("boom"))
}

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := New(reg)

	r.NotificationScheduled("primary")
	r.NotificationScheduled("primary")
	r.NotificationScheduled("followup")
	r.NotificationsCancelled("delivered", 4)
	r.NotificationsCancelled("pending", 0)
	r.UserAction("dismiss", errors.New("boom"))

	body := scrape(t, r)
	for _, want := range []string{
		`alarmd_notifications_scheduled_total{purpose="primary"} 2`,
		`alarmd_notifications_scheduled_total{purpose="followup"} 1`,
		`alarmd_notifications_cancelled_total{state="delivered"} 4`,
		`alarmd_user_actions_total{action="dismiss",result="error"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output", want)
		}
	}
	if strings.Contains(body, `state="pending"`) {
		t.Error("zero cancellations should not create a series")
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	r := New(prometheus.NewRegistry())
	r.ProbeRun("activated")

	body := scrape(t, r)
	if !strings.Contains(body, `alarmd_probe_runs_total{outcome="activated"} 1`) {
		t.Fatalf("expected probe counter in output, got:\n%s", body)
	}
}
