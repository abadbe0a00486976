package training

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPlottingService(url string, attempts int) *PlottingService {
	ps := NewPlottingService(PlottingServiceConfig{
		BaseURL:       url,
		Timeout:       5 * time.Second,
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
	})
	ps.Enable()
	return ps
}

func TestPlottingServiceDisabled(t *testing.T) {
	ps := NewPlottingService(DefaultPlottingServiceConfig())
	if ps.IsEnabled() {
		t.Fatal("service must start disabled")
	}
	resp, err := ps.SendPlotData(context.Background(), PlotData{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("disabled service must not report success")
	}
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("health check on a disabled service should fail")
	}
}

func TestPlottingServiceSendsCurves(t *testing.T) {
	var received PlotData
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/plot":
			if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(PlottingResponse{Message: "bad request"})
				return
			}
			if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(PlottingResponse{Success: true, PlotID: "p1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ps := newTestPlottingService(server.URL, 1)
	if err := ps.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	vc := NewVisualizationCollector("SRGAN")
	vc.Record(1, map[string]float64{"loss": 0.7})
	resp, err := ps.SendTrainingCurves(context.Background(), vc)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !resp.Success || resp.PlotID != "p1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if received.ModelName != "SRGAN" || len(received.Series) != 1 || received.Series[0].Data[0].Y != 0.7 {
		t.Errorf("server received %+v", received)
	}
}

func TestPlottingServiceRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(PlottingResponse{Message: "busy"})
			return
		}
		json.NewEncoder(w).Encode(PlottingResponse{Success: true})
	}))
	defer server.Close()

	ps := newTestPlottingService(server.URL, 3)
	if _, err := ps.SendPlotDataWithRetry(context.Background(), PlotData{}); err != nil {
		t.Fatalf("expected success on the third attempt: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}

	calls.Store(-10)
	ps = newTestPlottingService(server.URL, 2)
	if _, err := ps.SendPlotDataWithRetry(context.Background(), PlotData{}); err == nil {
		t.Error("expected failure after exhausting retries")
	}
	if calls.Load() != -8 {
		t.Errorf("expected 2 more calls, counter at %d", calls.Load())
	}
}

func TestPlottingServiceHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(PlottingResponse{Message: "down"})
	}))
	defer server.Close()

	ps := NewPlottingService(PlottingServiceConfig{
		BaseURL:       server.URL,
		Timeout:       time.Second,
		RetryAttempts: 5,
		RetryDelay:    time.Hour,
	})
	ps.Enable()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := ps.SendPlotDataWithRetry(ctx, PlotData{}); err == nil {
		t.Fatal("expected an error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry loop ignored context cancellation")
	}
}
