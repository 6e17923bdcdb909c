package health

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/emberweb/emberweb/internal/config"
	"github.com/emberweb/emberweb/internal/metrics"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:         20 * time.Millisecond,
		FailureThreshold: 1,
	}
}

func waitForStatus(t *testing.T, c *Checker, probe string, want Status) ProbeHealth {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		h := c.GetStatus(probe)
		if h.Status == want {
			return h
		}
		if time.Now().After(deadline) {
			t.Fatalf("probe %s never reached %s (last: %+v)", probe, want, h)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDocRootHealthy(t *testing.T) {
	c := NewChecker(nil, t.TempDir(), testHealthConfig(), metrics.New())
	c.Start()
	defer c.Stop()

	h := waitForStatus(t, c, ProbeDocRoot, StatusHealthy)
	if h.ConsecutiveFailures != 0 {
		t.Errorf("healthy probe has %d failures", h.ConsecutiveFailures)
	}
	if !c.OverallHealthy() {
		t.Error("checker should be healthy overall")
	}
}

func TestDocRootMissing(t *testing.T) {
	c := NewChecker(nil, "/nonexistent/docroot", testHealthConfig(), metrics.New())
	c.Start()
	defer c.Stop()

	h := waitForStatus(t, c, ProbeDocRoot, StatusUnhealthy)
	if h.LastError == "" {
		t.Error("unhealthy probe should record its error")
	}
	if c.OverallHealthy() {
		t.Error("checker should not be healthy overall")
	}
}

func TestNilDatabaseSkipsProbe(t *testing.T) {
	c := NewChecker(nil, t.TempDir(), testHealthConfig(), nil)
	c.Start()
	defer c.Stop()

	waitForStatus(t, c, ProbeDocRoot, StatusHealthy)
	if h := c.GetStatus(ProbeDatabase); h.Status != StatusUnknown {
		t.Errorf("database probe should stay unknown without a db, got %s", h.Status)
	}
}

func TestDatabaseProbe(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// The checker pings repeatedly; allow a generous number.
	for i := 0; i < 200; i++ {
		mock.ExpectPing()
	}

	c := NewChecker(db, t.TempDir(), testHealthConfig(), metrics.New())
	c.Start()
	defer c.Stop()

	waitForStatus(t, c, ProbeDatabase, StatusHealthy)
}

func TestFailureThreshold(t *testing.T) {
	cfg := config.HealthConfig{
		Interval:         10 * time.Millisecond,
		FailureThreshold: 3,
	}
	c := NewChecker(nil, "/nonexistent/docroot", cfg, nil)
	c.Start()
	defer c.Stop()

	// Below the threshold the status must not flip yet; after three
	// consecutive failures it must.
	h := waitForStatus(t, c, ProbeDocRoot, StatusUnhealthy)
	if h.ConsecutiveFailures < 3 {
		t.Errorf("flipped unhealthy after %d failures, threshold is 3", h.ConsecutiveFailures)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := NewChecker(nil, t.TempDir(), testHealthConfig(), nil)
	c.Start()
	c.Stop()
	c.Stop()
}

func TestStatusString(t *testing.T) {
	if StatusHealthy.String() != "healthy" || StatusUnhealthy.String() != "unhealthy" || StatusUnknown.String() != "unknown" {
		t.Error("Status.String mismatch")
	}
}
