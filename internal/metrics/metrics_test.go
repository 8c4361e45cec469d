package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	m := New()

	m.ObserveHTTP("public", "POST", "/api/v1/track", 200, 10*time.Millisecond)
	m.ObserveHTTP("public", "POST", "/api/v1/track", 402, 10*time.Millisecond)
	m.ObserveHTTP("management", "GET", "/api/v1/agents", 200, 10*time.Millisecond)

	m.IncTrack("free")
	m.IncTrack("credits")
	m.IncTrack("credits")
	m.IncTrack("insufficient")
	m.IncTrack("replay")

	m.IncSettlement("capture", "ok")
	m.IncSettlement("release", "ok")
	m.IncSettlement("release", "ok")
	m.IncSettlement("capture", "rejected")

	m.IncTopUp("submitted")
	m.IncTopUp("confirmed")
	m.IncTopUp("duplicate")
	m.ObserveConfirmationLag(3 * time.Second)

	m.IncRateLimitRejection("public")

	m.SetActivityBuffer(4)
	m.ObserveActivityFlush(10, time.Millisecond, nil)
	m.ObserveActivityFlush(3, time.Millisecond, errors.New("boom"))

	m.RegisterDBPoolCollector(func() PoolStats {
		return PoolStats{Total: 5, Idle: 3, Acquired: 2, Max: 10, EmptyAcquires: 7}
	})

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if s.Public.TotalRequests != 2 || s.Public.ErrorRate != 0.5 {
		t.Errorf("public = %+v, want 2 requests at 0.5 error rate", s.Public)
	}
	if s.Management.TotalRequests != 1 || s.Management.ErrorRate != 0 {
		t.Errorf("management = %+v", s.Management)
	}
	if s.Track.Total != 5 || s.Track.Credits != 2 || s.Track.Free != 1 || s.Track.Insufficient != 1 || s.Track.Replays != 1 {
		t.Errorf("track = %+v", s.Track)
	}
	if s.Settlements.Captured != 1 || s.Settlements.Released != 2 || s.Settlements.Rejected != 1 {
		t.Errorf("settlements = %+v", s.Settlements)
	}
	if s.TopUps.Submitted != 1 || s.TopUps.Confirmed != 1 || s.TopUps.Duplicate != 1 || s.TopUps.Failed != 0 {
		t.Errorf("top-ups = %+v", s.TopUps)
	}
	// One sample at 3s lands in the (2, 5] bucket.
	if s.TopUps.P50Lag <= 2 || s.TopUps.P50Lag > 5 {
		t.Errorf("p50 lag = %v, want within (2, 5]", s.TopUps.P50Lag)
	}
	if s.RateLimit.Rejections != 1 {
		t.Errorf("rate limit rejections = %v", s.RateLimit.Rejections)
	}
	if s.Activity.BufferSize != 4 || s.Activity.TotalFlushes != 2 || s.Activity.FlushErrors != 1 || s.Activity.Entries != 10 {
		t.Errorf("activity = %+v", s.Activity)
	}
	if s.DB.TotalConns != 5 || s.DB.IdleConns != 3 || s.DB.AcquiredConns != 2 || s.DB.MaxConns != 10 || s.DB.EmptyAcquires != 7 {
		t.Errorf("db = %+v", s.DB)
	}
	if s.Server.StartTime == 0 {
		t.Error("start time not set")
	}
}

func TestHistogramPercentileEmpty(t *testing.T) {
	if got := histogramPercentile(nil, 0.5); got != 0 {
		t.Errorf("nil family = %v, want 0", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncTrack("eth")

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics/summary", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var s Summary
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if s.Track.Eth != 1 {
		t.Errorf("track.eth = %v, want 1", s.Track.Eth)
	}
}
