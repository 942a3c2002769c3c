package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/model"
)

// FFmpegSeparator extracts stems with FFmpeg's mid/side processing:
// vocals sit mostly in the mid channel of a stereo mix, the accompaniment
// keeps its side content. Requires a true stereo input; dual-mono material
// has no side channel to work with and is rejected.
type FFmpegSeparator struct {
	ffmpeg  string
	ffprobe string
	timeout time.Duration

	filterOnce sync.Once
	filterList string
}

func NewFFmpegSeparator(cfg config.EngineConfig) *FFmpegSeparator {
	return &FFmpegSeparator{
		ffmpeg:  cfg.FFmpegBin,
		ffprobe: cfg.FFprobeBin,
		timeout: cfg.Timeout,
	}
}

// Available reports whether both binaries answer -version. Used by the
// health endpoint.
func (e *FFmpegSeparator) Available(ctx context.Context) bool {
	for _, bin := range []string{e.ffmpeg, e.ffprobe} {
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := exec.CommandContext(probeCtx, bin, "-version").Run()
		cancel()
		if err != nil {
			return false
		}
	}
	return true
}

func (e *FFmpegSeparator) Separate(ctx context.Context, inputPath, outputDir string) (model.Stems, error) {
	channels, err := e.probeChannels(ctx, inputPath)
	if err != nil {
		return model.Stems{}, fmt.Errorf("%w: probe failed: %v", ErrEngineFailure, err)
	}
	if channels != 2 {
		return model.Stems{}, fmt.Errorf("%w: stereo input required, got %d channels", ErrEngineFailure, channels)
	}

	if sideDB, ok := e.sideEnergyDB(ctx, inputPath); ok && sideDB < -35.0 {
		return model.Stems{}, fmt.Errorf("%w: dual-mono input (side RMS %.1f dB)", ErrEngineFailure, sideDB)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return model.Stems{}, err
	}

	stems := model.Stems{
		VocalPath:        filepath.Join(outputDir, VocalStemName),
		InstrumentalPath: filepath.Join(outputDir, InstrumentalStemName),
	}

	vocalFilter, instrFilter := e.buildFilters()

	if err := e.extract(ctx, inputPath, vocalFilter, stems.VocalPath); err != nil {
		return model.Stems{}, fmt.Errorf("%w: vocal extraction: %v", ErrEngineFailure, err)
	}
	if err := e.extract(ctx, inputPath, instrFilter, stems.InstrumentalPath); err != nil {
		return model.Stems{}, fmt.Errorf("%w: instrumental extraction: %v", ErrEngineFailure, err)
	}

	if err := e.validate(ctx, inputPath, stems); err != nil {
		return model.Stems{}, err
	}
	return stems, nil
}

func (e *FFmpegSeparator) extract(ctx context.Context, inputPath, filter, outPath string) error {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.ffmpeg,
		"-y", "-v", "error",
		"-i", inputPath,
		"-af", filter,
		"-codec:a", "pcm_s16le",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %s", e.timeout)
	}
	if err != nil {
		return fmt.Errorf("%v: %s", err, tail(string(out), 4000))
	}
	return nil
}

// validate enforces the minimal sanity contract: both stems present,
// non-empty, and matching the source duration within tolerance.
func (e *FFmpegSeparator) validate(ctx context.Context, inputPath string, stems model.Stems) error {
	srcDur, err := e.probeDuration(ctx, inputPath)
	if err != nil {
		return fmt.Errorf("%w: source duration probe: %v", ErrEngineFailure, err)
	}

	for _, path := range []string{stems.VocalPath, stems.InstrumentalPath} {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return fmt.Errorf("%w: stem %s missing or empty", ErrEngineFailure, filepath.Base(path))
		}
		dur, err := e.probeDuration(ctx, path)
		if err != nil {
			return fmt.Errorf("%w: stem duration probe: %v", ErrEngineFailure, err)
		}
		if math.Abs(dur-srcDur) > 2.0 {
			return fmt.Errorf("%w: stem %s duration %.1fs does not match source %.1fs",
				ErrEngineFailure, filepath.Base(path), dur, srcDur)
		}
	}
	return nil
}

// buildFilters picks the best available FFmpeg filter chain, falling back
// to a pan-based mid/side approximation on builds without stereotools.
func (e *FFmpegSeparator) buildFilters() (vocal, instr string) {
	if e.hasFilter("stereotools") {
		vocal = "stereotools=mlev=1:slev=0"
		instr = "stereotools=mlev=0:slev=1"
	} else {
		vocal = "pan=stereo|c0=0.5*c0+0.5*c1|c1=0.5*c0+0.5*c1"
		instr = "pan=stereo|c0=c0-c1|c1=c1-c0"
	}

	switch {
	case e.hasFilter("dynaudnorm"):
		vocal += ",highpass=f=120,lowpass=f=9000,dynaudnorm=f=75:s=10"
		instr += ",highpass=f=60,lowpass=f=16000,dynaudnorm=f=250:s=10"
	case e.hasFilter("acompressor"):
		vocal += ",highpass=f=120,lowpass=f=9000,acompressor"
		instr += ",highpass=f=60,lowpass=f=16000"
	default:
		vocal += ",highpass=f=120,lowpass=f=9000"
		instr += ",highpass=f=60,lowpass=f=16000"
	}
	return vocal, instr
}

func (e *FFmpegSeparator) hasFilter(name string) bool {
	e.filterOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, e.ffmpeg, "-hide_banner", "-filters").Output()
		if err == nil {
			e.filterList = string(out)
		}
	})
	return strings.Contains(e.filterList, name)
}

func (e *FFmpegSeparator) probeChannels(ctx context.Context, path string) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, e.ffprobe,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=channels",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

func (e *FFmpegSeparator) probeDuration(ctx context.Context, path string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, e.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

var rmsLevelRe = regexp.MustCompile(`Overall RMS level:\s*(-?\d+(?:\.\d+)?)`)

// sideEnergyDB measures the RMS level of the side channel. A very quiet
// side channel means L≈R and mid/side separation cannot work.
func (e *FFmpegSeparator) sideEnergyDB(ctx context.Context, path string) (float64, bool) {
	if !e.hasFilter("stereotools") {
		return 0, false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 40*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, e.ffmpeg,
		"-v", "info",
		"-i", path,
		"-af", "stereotools=mlev=0:slev=1,astats=metadata=1:reset=0:measure_overall=1",
		"-f", "null", "-",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, false
	}
	matches := rmsLevelRe.FindAllStringSubmatch(string(out), -1)
	if len(matches) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
