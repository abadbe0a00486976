package evaluation

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/go-srgan/tensor"
	"github.com/tsawler/go-srgan/vision/dataloader"
	"github.com/tsawler/go-srgan/vision/dataset"
	"github.com/tsawler/go-srgan/vision/preprocessing"
)

// Upscaler maps a [1,3,h,w] tensor in [0,1] to a [1,3,h*F,w*F] tensor in
// [-1,1]. *srgan.SRGAN satisfies it.
type Upscaler interface {
	Upscale(lr *tensor.Tensor) (*tensor.Tensor, error)
}

// ReporterConfig configures test image reports
type ReporterConfig struct {
	TestDir       string
	OutputDir     string
	Factor        int
	Name          string   // title of the model panel, default "SRGAN"
	Reference     Upscaler // optional model drawn next to the trained one
	ReferenceName string   // default "SR-RRDB"
	DecodeWorkers int
	Output        io.Writer
}

// ImageScore holds the metrics of one test image against its original.
// Reference scores are NaN when no reference model is configured.
type ImageScore struct {
	Name          string
	BicubicPSNR   float64
	BicubicSSIM   float64
	PSNR          float64
	SSIM          float64
	ReferencePSNR float64
	ReferenceSSIM float64
}

// Reporter super-resolves a directory of test images and writes the output
// next to comparison sheets
type Reporter struct {
	config ReporterConfig
}

// NewReporter validates config and creates a reporter
func NewReporter(config ReporterConfig) (*Reporter, error) {
	if config.Factor < 1 {
		return nil, fmt.Errorf("invalid upscaling factor %d", config.Factor)
	}
	if config.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if config.Name == "" {
		config.Name = "SRGAN"
	}
	if config.ReferenceName == "" {
		config.ReferenceName = "SR-RRDB"
	}
	if config.DecodeWorkers <= 0 {
		config.DecodeWorkers = 1
	}
	if config.Output == nil {
		config.Output = io.Discard
	}
	return &Reporter{config: config}, nil
}

// Report scores model on every image of the test directory. Each HR image
// is trimmed to a multiple of the factor and reduced with bicubic
// filtering. A missing or empty test directory is reported as a warning
// and yields no scores.
func (r *Reporter) Report(model Upscaler, epoch int) ([]ImageScore, error) {
	out := r.config.Output

	paths, err := dataset.ListImages(r.config.TestDir, nil)
	if err != nil {
		fmt.Fprintf(out, "Warning: cannot read test directory %q, skipping test images: %v\n", r.config.TestDir, err)
		return nil, nil
	}
	if len(paths) == 0 {
		fmt.Fprintf(out, "Warning: no test images in %q\n", r.config.TestDir)
		return nil, nil
	}
	if err := os.MkdirAll(r.config.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create test output directory: %w", err)
	}

	images, errs := preprocessing.DecodeFiles(paths, r.config.DecodeWorkers)
	scores := make([]ImageScore, 0, len(paths))
	for i, img := range images {
		if errs[i] != nil {
			fmt.Fprintf(out, "Warning: skipping %s: %v\n", filepath.Base(paths[i]), errs[i])
			continue
		}
		score, err := r.reportImage(model, img, paths[i], epoch)
		if err != nil {
			return scores, fmt.Errorf("%s: %w", filepath.Base(paths[i]), err)
		}
		if score == nil {
			continue
		}
		scores = append(scores, *score)
	}
	return scores, nil
}

func (r *Reporter) reportImage(model Upscaler, img *image.NRGBA, path string, epoch int) (*ImageScore, error) {
	out := r.config.Output
	name := baseName(path)

	pair, err := dataloader.LoadPair(img, r.config.Factor, preprocessing.Bicubic)
	if err != nil {
		fmt.Fprintf(out, "Warning: skipping %s: %v\n", filepath.Base(path), err)
		return nil, nil
	}

	lrImg, err := preprocessing.TensorToImage(pair.LR, 0, preprocessing.RangeLR)
	if err != nil {
		return nil, err
	}
	hrImg, err := preprocessing.TensorToImage(pair.HR, 0, preprocessing.RangeHR)
	if err != nil {
		return nil, err
	}
	bicubic := preprocessing.Upsample(lrImg, r.config.Factor)
	sr, err := upscaleImage(model, pair.LR)
	if err != nil {
		return nil, err
	}

	score := &ImageScore{Name: name, ReferencePSNR: math.NaN(), ReferenceSSIM: math.NaN()}
	if score.BicubicPSNR, score.BicubicSSIM, err = compare(hrImg, bicubic); err != nil {
		return nil, fmt.Errorf("bicubic: %w", err)
	}
	if score.PSNR, score.SSIM, err = compare(hrImg, sr); err != nil {
		return nil, fmt.Errorf("%s: %w", r.config.Name, err)
	}

	if err := SavePNG(filepath.Join(r.config.OutputDir, name+"_out.png"), sr); err != nil {
		return nil, err
	}

	var panels []Panel
	if r.config.Reference == nil {
		panels = []Panel{
			{Title: fmt.Sprintf("Low Resolution - %s", dims(lrImg)), Image: lrImg},
			{Title: panelTitle("Bicubic Interpolation", bicubic, score.BicubicPSNR, score.BicubicSSIM), Image: bicubic},
			{Title: panelTitle(r.config.Name, sr, score.PSNR, score.SSIM), Image: sr},
			{Title: fmt.Sprintf("Original - %s - Epoch %d", dims(hrImg), epoch), Image: hrImg},
		}
	} else {
		ref, err := upscaleImage(r.config.Reference, pair.LR)
		if err != nil {
			return nil, fmt.Errorf("reference model: %w", err)
		}
		if score.ReferencePSNR, score.ReferenceSSIM, err = compare(hrImg, ref); err != nil {
			return nil, fmt.Errorf("%s: %w", r.config.ReferenceName, err)
		}
		panels = []Panel{
			{Title: panelTitle("Bicubic Interpolation", bicubic, score.BicubicPSNR, score.BicubicSSIM), Image: bicubic},
			{Title: panelTitle(r.config.ReferenceName, ref, score.ReferencePSNR, score.ReferenceSSIM), Image: ref},
			{Title: panelTitle(r.config.Name, sr, score.PSNR, score.SSIM), Image: sr},
			{Title: fmt.Sprintf("Original - %s - Epoch %d", dims(hrImg), epoch), Image: hrImg},
		}
		fmt.Fprintf(out, "%s PSNR: bicubic=%.4f %s=%.4f %s=%.4f\n", name,
			score.BicubicPSNR, r.config.ReferenceName, score.ReferencePSNR, r.config.Name, score.PSNR)
		fmt.Fprintf(out, "%s SSIM: bicubic=%.4f %s=%.4f %s=%.4f\n", name,
			score.BicubicSSIM, r.config.ReferenceName, score.ReferenceSSIM, r.config.Name, score.SSIM)
	}

	sheet := filepath.Join(r.config.OutputDir, fmt.Sprintf("%s-Epoch%d.png", name, epoch))
	if err := SaveComparison(sheet, panels); err != nil {
		fmt.Fprintf(out, "Warning: failed to draw comparison for %s: %v\n", name, err)
	}
	return score, nil
}

func compare(reference, test *image.NRGBA) (float64, float64, error) {
	p, err := PSNR(reference, test)
	if err != nil {
		return 0, 0, err
	}
	s, err := SSIM(reference, test)
	if err != nil {
		return 0, 0, err
	}
	return p, s, nil
}

func upscaleImage(model Upscaler, lr *tensor.Tensor) (*image.NRGBA, error) {
	sr, err := model.Upscale(lr)
	if err != nil {
		return nil, fmt.Errorf("upscale: %w", err)
	}
	return preprocessing.TensorToImage(sr, 0, preprocessing.RangeHR)
}

func panelTitle(title string, img image.Image, psnr, ssim float64) string {
	return fmt.Sprintf("%s - %s - psnr:%.4f - ssim:%.4f", title, dims(img), psnr, ssim)
}

func dims(img image.Image) string {
	b := img.Bounds()
	return fmt.Sprintf("%dx%d", b.Dx(), b.Dy())
}

// baseName strips the directory and everything from the first dot
func baseName(path string) string {
	name := filepath.Base(path)
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

// SavePNG encodes img to path, creating parent directories
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// UpscaleDir super-resolves every image directly inside inDir into
// outDir as <name>_sr.png and returns how many were written. Unreadable
// images are skipped with a warning.
func UpscaleDir(model Upscaler, inDir, outDir string, workers int, out io.Writer) (int, error) {
	if out == nil {
		out = io.Discard
	}
	paths, err := dataset.ListImages(inDir, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", inDir, err)
	}

	images, errs := preprocessing.DecodeFiles(paths, workers)
	written := 0
	for i, img := range images {
		if errs[i] != nil {
			fmt.Fprintf(out, "Warning: skipping %s: %v\n", filepath.Base(paths[i]), errs[i])
			continue
		}
		lr, err := preprocessing.ImageToTensor(img, preprocessing.RangeLR)
		if err != nil {
			return written, err
		}
		sr, err := upscaleImage(model, lr)
		if err != nil {
			return written, fmt.Errorf("%s: %w", filepath.Base(paths[i]), err)
		}
		if err := SavePNG(filepath.Join(outDir, baseName(paths[i])+"_sr.png"), sr); err != nil {
			return written, err
		}
		written++
		fmt.Fprintf(out, "Upscaled %s (%s -> %s)\n", filepath.Base(paths[i]), dims(img), dims(sr))
	}
	return written, nil
}
