package preprocessing

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// createGradientImage creates a gradient image for testing
func createGradientImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / width), uint8(y * 255 / height), 128, 255})
		}
	}
	return img
}

// createTestPNGFile writes a PNG gradient image for testing
func createTestPNGFile(t *testing.T, path string, width, height int) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, createGradientImage(width, height)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeConvertsColourModels(t *testing.T) {
	t.Run("Gray", func(t *testing.T) {
		gray := image.NewGray(image.Rect(0, 0, 4, 3))
		gray.Set(1, 1, color.Gray{Y: 200})
		var buf bytes.Buffer
		if err := png.Encode(&buf, gray); err != nil {
			t.Fatal(err)
		}
		img, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if img.Rect.Dx() != 4 || img.Rect.Dy() != 3 {
			t.Errorf("unexpected bounds %v", img.Rect)
		}
		c := img.NRGBAAt(1, 1)
		if c.R != 200 || c.G != 200 || c.B != 200 || c.A != 255 {
			t.Errorf("gray pixel converted to %v", c)
		}
	})

	t.Run("JPEG", func(t *testing.T) {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, createGradientImage(16, 8), &jpeg.Options{Quality: 90}); err != nil {
			t.Fatal(err)
		}
		img, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if img.Rect.Dx() != 16 || img.Rect.Dy() != 8 {
			t.Errorf("unexpected bounds %v", img.Rect)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := Decode(bytes.NewReader([]byte("not an image"))); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestRandomCrop(t *testing.T) {
	src := toNRGBA(createGradientImage(20, 10))
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 20; i++ {
		crop, err := RandomCrop(src, 6, 8, rng)
		if err != nil {
			t.Fatalf("RandomCrop failed: %v", err)
		}
		if crop.Rect.Dx() != 8 || crop.Rect.Dy() != 6 || crop.Rect.Min != (image.Point{}) {
			t.Fatalf("unexpected crop bounds %v", crop.Rect)
		}
	}

	full, err := RandomCrop(src, 10, 20, rng)
	if err != nil {
		t.Fatalf("exact-size crop failed: %v", err)
	}
	if full.NRGBAAt(19, 9) != src.NRGBAAt(19, 9) {
		t.Error("exact-size crop changed pixels")
	}

	if _, err := RandomCrop(src, 11, 20, rng); !errors.Is(err, ErrImageTooSmall) {
		t.Errorf("expected ErrImageTooSmall, got %v", err)
	}
}

func TestFlipHorizontal(t *testing.T) {
	src := toNRGBA(createGradientImage(5, 2))
	flipped := FlipHorizontal(src)
	if flipped.NRGBAAt(0, 1) != src.NRGBAAt(4, 1) {
		t.Error("flip did not mirror columns")
	}
}

func TestDownsampleAndUpsample(t *testing.T) {
	src := toNRGBA(createGradientImage(64, 32))

	for _, filter := range TrainingFilters {
		t.Run(filter.String(), func(t *testing.T) {
			lr, err := Downsample(src, 4, filter)
			if err != nil {
				t.Fatalf("Downsample failed: %v", err)
			}
			if lr.Rect.Dx() != 16 || lr.Rect.Dy() != 8 {
				t.Errorf("expected 16x8, got %v", lr.Rect)
			}
		})
	}

	up := Upsample(src, 2)
	if up.Rect.Dx() != 128 || up.Rect.Dy() != 64 {
		t.Errorf("expected 128x64, got %v", up.Rect)
	}

	if _, err := Downsample(toNRGBA(createGradientImage(3, 3)), 4, Bicubic); !errors.Is(err, ErrImageTooSmall) {
		t.Errorf("expected ErrImageTooSmall, got %v", err)
	}
}

func TestRandomFilterCoversSet(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seen := map[ResampleFilter]bool{}
	for i := 0; i < 200; i++ {
		seen[RandomFilter(TrainingFilters, rng)] = true
	}
	if len(seen) != len(TrainingFilters) {
		t.Errorf("expected every filter to be drawn, saw %v", seen)
	}
}

func TestImageProcessorPairs(t *testing.T) {
	if _, err := NewImageProcessor(ProcessorConfig{HeightHR: 30, WidthHR: 32, Scale: 4}); err == nil {
		t.Error("expected error for crop not divisible by scale")
	}
	if _, err := NewImageProcessor(ProcessorConfig{HeightHR: 32, WidthHR: 32, Scale: 0}); err == nil {
		t.Error("expected error for zero scale")
	}

	p, err := NewImageProcessor(ProcessorConfig{HeightHR: 16, WidthHR: 24, Scale: 4, Flip: true})
	if err != nil {
		t.Fatalf("NewImageProcessor failed: %v", err)
	}
	src := toNRGBA(createGradientImage(50, 40))
	rng := rand.New(rand.NewSource(3))

	pair, err := p.RandomPair(p.MaybeFlip(src, rng), rng)
	if err != nil {
		t.Fatalf("RandomPair failed: %v", err)
	}
	if pair.HR.Rect.Dx() != 24 || pair.HR.Rect.Dy() != 16 {
		t.Errorf("HR bounds %v", pair.HR.Rect)
	}
	if pair.LR.Rect.Dx() != 6 || pair.LR.Rect.Dy() != 4 {
		t.Errorf("LR bounds %v", pair.LR.Rect)
	}

	trimmed, err := TrimToMultiple(toNRGBA(createGradientImage(50, 43)), 4)
	if err != nil {
		t.Fatalf("TrimToMultiple failed: %v", err)
	}
	if trimmed.Rect.Dx() != 48 || trimmed.Rect.Dy() != 40 {
		t.Errorf("trimmed bounds %v", trimmed.Rect)
	}
	if _, err := TrimToMultiple(toNRGBA(createGradientImage(3, 8)), 4); !errors.Is(err, ErrImageTooSmall) {
		t.Errorf("expected ErrImageTooSmall, got %v", err)
	}
}

func TestScaleRoundTrips(t *testing.T) {
	pixels := []float32{0, 1, 127, 127.5, 200, 255}

	lr := append([]float32(nil), pixels...)
	ScaleLR(lr)
	for _, v := range lr {
		if v < 0 || v > 1 {
			t.Errorf("LR value %v outside [0,1]", v)
		}
	}
	UnscaleLR(lr)

	hr := append([]float32(nil), pixels...)
	ScaleHR(hr)
	if hr[0] != -1 || hr[len(hr)-1] != 1 {
		t.Errorf("HR extremes %v %v", hr[0], hr[len(hr)-1])
	}
	UnscaleHR(hr)

	for i, p := range pixels {
		if math.Abs(float64(lr[i]-p)) > 1e-3 {
			t.Errorf("LR round trip %v -> %v", p, lr[i])
		}
		if math.Abs(float64(hr[i]-p)) > 1e-3 {
			t.Errorf("HR round trip %v -> %v", p, hr[i])
		}
	}
}

func TestTensorConversions(t *testing.T) {
	src := toNRGBA(createGradientImage(7, 5))

	for _, r := range []Range{RangeLR, RangeHR} {
		tt, err := ImageToTensor(src, r)
		if err != nil {
			t.Fatalf("ImageToTensor failed: %v", err)
		}
		if tt.Shape[0] != 1 || tt.Shape[1] != 3 || tt.Shape[2] != 5 || tt.Shape[3] != 7 {
			t.Fatalf("unexpected shape %v", tt.Shape)
		}
		back, err := TensorToImage(tt, 0, r)
		if err != nil {
			t.Fatalf("TensorToImage failed: %v", err)
		}
		for y := 0; y < 5; y++ {
			for x := 0; x < 7; x++ {
				if back.NRGBAAt(x, y) != src.NRGBAAt(x, y) {
					t.Fatalf("pixel (%d,%d) %v != %v", x, y, back.NRGBAAt(x, y), src.NRGBAAt(x, y))
				}
			}
		}
	}

	tt, _ := ImageToTensor(src, RangeHR)
	tt.Data[0] = 5
	tt.Data[1] = -5
	img, err := TensorToImage(tt, 0, RangeHR)
	if err != nil {
		t.Fatal(err)
	}
	if img.Pix[0] != 255 || img.Pix[4] != 0 {
		t.Errorf("values not clamped: %v %v", img.Pix[0], img.Pix[4])
	}
	if _, err := TensorToImage(tt, 1, RangeHR); err == nil {
		t.Error("expected out-of-range sample error")
	}
}

func TestDecodeFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.png")
	bad := filepath.Join(dir, "b.png")
	createTestPNGFile(t, good, 8, 8)
	if err := os.WriteFile(bad, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	imgs, errs := DecodeFiles([]string{good, bad, filepath.Join(dir, "missing.png")}, 2)
	if imgs[0] == nil || errs[0] != nil {
		t.Errorf("expected first image to load, got %v", errs[0])
	}
	if imgs[1] != nil || errs[1] == nil {
		t.Error("expected decode error for garbage file")
	}
	if errs[2] == nil {
		t.Error("expected error for missing file")
	}
}
