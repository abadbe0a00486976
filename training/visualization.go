package training

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves PlotType = "training_curves"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	// Metadata
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one (step, value) sample
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

var seriesColors = []string{"#FF6B6B", "#4ECDC4", "#FF9F43", "#5F27CD", "#10AC84", "#2E86DE"}

// VisualizationCollector keeps every logged metric as a step series
type VisualizationCollector struct {
	mu        sync.Mutex
	modelName string
	series    map[string][]DataPoint
}

// NewVisualizationCollector creates an empty collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
		series:    make(map[string][]DataPoint),
	}
}

// Record appends one value per metric at step
func (vc *VisualizationCollector) Record(step int, metrics map[string]float64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for k, v := range metrics {
		if isFinite(v) {
			vc.series[k] = append(vc.series[k], DataPoint{X: float64(step), Y: v})
		}
	}
}

// Series returns a copy of the recorded series
func (vc *VisualizationCollector) Series() map[string][]DataPoint {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	out := make(map[string][]DataPoint, len(vc.series))
	for k, v := range vc.series {
		out[k] = append([]DataPoint(nil), v...)
	}
	return out
}

// GenerateTrainingCurvesPlot builds one line per recorded metric
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	recorded := vc.Series()
	names := make([]string, 0, len(recorded))
	for k := range recorded {
		names = append(names, k)
	}
	sort.Strings(names)

	series := make([]SeriesData, len(names))
	for i, name := range names {
		series[i] = SeriesData{
			Name: name,
			Type: "line",
			Data: recorded[name],
			Style: map[string]interface{}{
				"color":      seriesColors[i%len(seriesColors)],
				"line_width": 2,
			},
		}
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Loss",
			XAxisScale:  "linear",
			YAxisScale:  "log",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.Marshal(pd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(data), nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
