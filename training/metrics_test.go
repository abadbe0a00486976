package training

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLossHistory(t *testing.T) {
	h := NewLossHistory()
	h.Append(SeriesGenerator, map[string]float64{"loss": 1, "Content_loss": 4})
	h.Append(SeriesGenerator, map[string]float64{"loss": 3, "Content_loss": 2})
	h.Append(SeriesDiscriminator, map[string]float64{"loss": 0.5})

	if n := h.Len(SeriesGenerator); n != 2 {
		t.Errorf("generator records = %d, want 2", n)
	}
	if n := h.Len("missing"); n != 0 {
		t.Errorf("missing series records = %d, want 0", n)
	}

	avg := h.Average(SeriesGenerator)
	if avg["loss"] != 2 || avg["Content_loss"] != 3 {
		t.Errorf("unexpected averages %v", avg)
	}

	flushed := h.Flush()
	if flushed[SeriesDiscriminator]["loss"] != 0.5 {
		t.Errorf("unexpected discriminator average %v", flushed[SeriesDiscriminator])
	}
	if h.Len(SeriesGenerator) != 0 || h.Len(SeriesDiscriminator) != 0 {
		t.Error("Flush must clear every series")
	}
}

func TestFormatMetrics(t *testing.T) {
	got := FormatMetrics(map[string]float64{"loss": 0.12346, "Adversarial_loss": 1, "Content_loss": 2.5})
	want := "Adversarial_loss=1.0000, Content_loss=2.5000, loss=0.1235"
	if got != want {
		t.Errorf("FormatMetrics = %q, want %q", got, want)
	}
	if FormatMetrics(nil) != "" {
		t.Error("empty metrics should format as an empty string")
	}
}

func TestMetricsLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewMetricsLogger(dir, "run")
	if err != nil {
		t.Fatal(err)
	}

	if err := logger.Log(1, map[string]float64{"loss": 0.5, "bad": math.NaN()}); err != nil {
		t.Fatal(err)
	}
	if err := logger.Log(2, map[string]float64{"loss": 0.25, "inf": math.Inf(1)}); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	wantPath := filepath.Join(dir, "run", "metrics.jsonl")
	if logger.Path() != wantPath || logger.Dir() != filepath.Join(dir, "run") {
		t.Errorf("unexpected paths %s, %s", logger.Path(), logger.Dir())
	}

	f, err := os.Open(wantPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []MetricsRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r MetricsRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("line %q is not JSON: %v", scanner.Text(), err)
		}
		records = append(records, r)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Step != 1 || records[0].Metrics["loss"] != 0.5 {
		t.Errorf("unexpected first record %+v", records[0])
	}
	if _, ok := records[0].Metrics["bad"]; ok {
		t.Error("NaN values must be dropped")
	}
	if records[1].Time.IsZero() {
		t.Error("records must carry a timestamp")
	}

	series := logger.Collector().Series()
	if len(series) != 1 || len(series["loss"]) != 2 || series["loss"][1] != (DataPoint{X: 2, Y: 0.25}) {
		t.Errorf("unexpected collected series %v", series)
	}

	// reopening appends
	again, err := NewMetricsLogger(dir, "run")
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Log(3, map[string]float64{"loss": 0.1}); err != nil {
		t.Fatal(err)
	}
	again.Close()
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "\n"); n != 3 {
		t.Errorf("expected 3 lines after reopening, got %d", n)
	}
}

func TestTrainingCurvesPlot(t *testing.T) {
	vc := NewVisualizationCollector("SRGAN")
	vc.Record(1, map[string]float64{"loss": 1, "Content_loss": 0.5})
	vc.Record(2, map[string]float64{"loss": 0.8, "Content_loss": math.NaN()})

	pd := vc.GenerateTrainingCurvesPlot()
	if pd.PlotType != TrainingCurves || pd.ModelName != "SRGAN" {
		t.Errorf("unexpected plot header %+v", pd)
	}
	if len(pd.Series) != 2 {
		t.Fatalf("expected 2 series, got %d", len(pd.Series))
	}
	// sorted by name
	if pd.Series[0].Name != "Content_loss" || len(pd.Series[0].Data) != 1 {
		t.Errorf("unexpected first series %+v", pd.Series[0])
	}
	if pd.Series[1].Name != "loss" || len(pd.Series[1].Data) != 2 {
		t.Errorf("unexpected second series %+v", pd.Series[1])
	}

	js, err := pd.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js, `"plot_type":"training_curves"`) {
		t.Errorf("unexpected JSON %s", js)
	}
}
