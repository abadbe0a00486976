package evaluation

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/plot/plotter"

	"github.com/tsawler/go-srgan/tensor"
)

// nearestUpscaler repeats every LR pixel factor times in each direction
type nearestUpscaler struct {
	factor int
	calls  int
}

func (n *nearestUpscaler) Upscale(lr *tensor.Tensor) (*tensor.Tensor, error) {
	n.calls++
	c, h, w := lr.Shape[1], lr.Shape[2], lr.Shape[3]
	H, W := h*n.factor, w*n.factor
	out, err := tensor.Zeros([]int{1, c, H, W})
	if err != nil {
		return nil, err
	}
	for ch := 0; ch < c; ch++ {
		for y := 0; y < H; y++ {
			for x := 0; x < W; x++ {
				v := lr.Data[ch*h*w+(y/n.factor)*w+x/n.factor]
				out.Data[ch*H*W+y*W+x] = 2*v - 1
			}
		}
	}
	return out, nil
}

func gradientImage(w, h int, shift uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x*7) + shift,
				G: uint8(y * 11),
				B: uint8((x + y) * 3),
				A: 255,
			})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestPSNR(t *testing.T) {
	a := gradientImage(16, 12, 0)

	p, err := PSNR(a, a)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(p, 1) {
		t.Errorf("identical images: expected +Inf, got %v", p)
	}

	// every red value off by 5, green and blue exact: mse = 25/3
	b := gradientImage(16, 12, 0)
	for i := 0; i < len(b.Pix); i += 4 {
		b.Pix[i] += 5
	}
	p, err = PSNR(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := 10 * math.Log10(255*255/(25.0/3))
	if math.Abs(p-want) > 1e-9 {
		t.Errorf("PSNR = %v, want %v", p, want)
	}

	if _, err := PSNR(a, gradientImage(8, 12, 0)); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestSSIM(t *testing.T) {
	a := gradientImage(20, 16, 0)

	s, err := SSIM(a, a)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(s-1) > 1e-9 {
		t.Errorf("identical images: expected 1, got %v", s)
	}

	noisy := gradientImage(20, 16, 0)
	for i := 0; i < len(noisy.Pix); i += 4 {
		if (i/4)%2 == 0 {
			noisy.Pix[i+1] = 255 - noisy.Pix[i+1]
		}
	}
	s2, err := SSIM(a, noisy)
	if err != nil {
		t.Fatal(err)
	}
	if s2 >= s || s2 <= -1 {
		t.Errorf("distorted image SSIM %v should be below %v", s2, s)
	}

	// smaller than one window
	tiny := gradientImage(4, 4, 0)
	if s, err := SSIM(tiny, tiny); err != nil || math.Abs(s-1) > 1e-9 {
		t.Errorf("tiny image SSIM = %v, %v", s, err)
	}

	if _, err := SSIM(a, tiny); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestReporterWritesOutputs(t *testing.T) {
	testDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	writePNG(t, filepath.Join(testDir, "first.png"), gradientImage(18, 14, 0))
	writePNG(t, filepath.Join(testDir, "second.image.png"), gradientImage(16, 16, 40))
	if err := os.WriteFile(filepath.Join(testDir, "broken.png"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(testDir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	var log bytes.Buffer
	r, err := NewReporter(ReporterConfig{TestDir: testDir, OutputDir: outDir, Factor: 2, Output: &log})
	if err != nil {
		t.Fatal(err)
	}
	model := &nearestUpscaler{factor: 2}
	scores, err := r.Report(model, 3)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	if len(scores) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(scores))
	}
	if model.calls != 2 {
		t.Errorf("expected 2 upscale calls, got %d", model.calls)
	}
	if !strings.Contains(log.String(), "Warning: skipping broken.png") {
		t.Errorf("missing warning for unreadable file:\n%s", log.String())
	}

	for _, s := range scores {
		if math.IsNaN(s.PSNR) || math.IsNaN(s.BicubicPSNR) || s.SSIM > 1 {
			t.Errorf("%s: implausible scores %+v", s.Name, s)
		}
		if !math.IsNaN(s.ReferencePSNR) {
			t.Errorf("%s: reference score without a reference model", s.Name)
		}
		for _, f := range []string{s.Name + "_out.png", s.Name + "-Epoch3.png"} {
			if _, err := os.Stat(filepath.Join(outDir, f)); err != nil {
				t.Errorf("expected %s: %v", f, err)
			}
		}
	}

	// the first image is trimmed to 18x14 and upscaled back to the same size
	f, err := os.Open(filepath.Join(outDir, "first_out.png"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 18 || cfg.Height != 14 {
		t.Errorf("SR output is %dx%d, want 18x14", cfg.Width, cfg.Height)
	}
}

func TestReporterWithReference(t *testing.T) {
	testDir := t.TempDir()
	writePNG(t, filepath.Join(testDir, "only.jpg.png"), gradientImage(16, 16, 9))

	var log bytes.Buffer
	ref := &nearestUpscaler{factor: 4}
	r, err := NewReporter(ReporterConfig{
		TestDir:   testDir,
		OutputDir: t.TempDir(),
		Factor:    4,
		Reference: ref,
		Output:    &log,
	})
	if err != nil {
		t.Fatal(err)
	}
	scores, err := r.Report(&nearestUpscaler{factor: 4}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 1 || ref.calls != 1 {
		t.Fatalf("expected one scored image with one reference call, got %d/%d", len(scores), ref.calls)
	}
	s := scores[0]
	if s.Name != "only" {
		t.Errorf("name = %q, want only", s.Name)
	}
	if s.ReferencePSNR != s.PSNR {
		t.Errorf("identical models should score alike: %v vs %v", s.ReferencePSNR, s.PSNR)
	}
	if !strings.Contains(log.String(), "SR-RRDB") {
		t.Errorf("expected reference scores in output:\n%s", log.String())
	}
}

func TestReporterMissingDirectory(t *testing.T) {
	var log bytes.Buffer
	r, err := NewReporter(ReporterConfig{
		TestDir:   filepath.Join(t.TempDir(), "missing"),
		OutputDir: t.TempDir(),
		Factor:    2,
		Output:    &log,
	})
	if err != nil {
		t.Fatal(err)
	}
	scores, err := r.Report(&nearestUpscaler{factor: 2}, 1)
	if err != nil {
		t.Fatalf("missing directory should not fail: %v", err)
	}
	if scores != nil {
		t.Errorf("expected no scores, got %v", scores)
	}
	if !strings.HasPrefix(log.String(), "Warning:") {
		t.Errorf("expected a warning, got %q", log.String())
	}
}

func TestNewReporterValidation(t *testing.T) {
	if _, err := NewReporter(ReporterConfig{OutputDir: "x"}); err == nil {
		t.Error("expected error for missing factor")
	}
	if _, err := NewReporter(ReporterConfig{Factor: 2}); err == nil {
		t.Error("expected error for missing output directory")
	}
}

func TestPlotLosses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots", "losses.png")
	series := map[string]plotter.XYs{
		"G/loss": {{X: 1, Y: 0.9}, {X: 2, Y: 0.7}, {X: 3, Y: 0.6}},
		"D/loss": {{X: 1, Y: 0.69}, {X: 2, Y: 0.65}},
		"empty":  nil,
	}
	if err := PlotLosses(path, "losses", series); err != nil {
		t.Fatalf("PlotLosses failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("plot file is empty")
	}

	if err := PlotLosses(path, "none", map[string]plotter.XYs{}); err == nil {
		t.Error("expected error with no series")
	}
}

func TestUpscaleDir(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "sr")
	writePNG(t, filepath.Join(in, "a.png"), gradientImage(5, 3, 0))
	writePNG(t, filepath.Join(in, "b.PNG"), gradientImage(4, 4, 1))
	if err := os.WriteFile(filepath.Join(in, "c.png"), []byte{0, 1, 2}, 0644); err != nil {
		t.Fatal(err)
	}

	var log bytes.Buffer
	n, err := UpscaleDir(&nearestUpscaler{factor: 2}, in, out, 2, &log)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 images written, got %d", n)
	}
	if !strings.Contains(log.String(), "Warning: skipping c.png") {
		t.Errorf("expected a warning for c.png:\n%s", log.String())
	}

	f, err := os.Open(filepath.Join(out, "a_sr.png"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 10 || b.Dy() != 6 {
		t.Errorf("upscaled size %dx%d, want 10x6", b.Dx(), b.Dy())
	}

	if _, err := UpscaleDir(&nearestUpscaler{factor: 2}, filepath.Join(in, "nope"), out, 1, nil); err == nil {
		t.Error("expected error for missing input directory")
	}
}
