package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Encoder is the external media engine used to capture and remux streams.
type Encoder interface {
	// StartCapture launches a long-running capture that writes time-aligned
	// segments into params.OutputDir. Cancelling ctx asks the process to
	// terminate; callers must still Wait for it.
	StartCapture(ctx context.Context, params CaptureParams) (Process, error)

	// Remux copies the streams of src into the container implied by dst
	// without re-encoding, overwriting dst.
	Remux(ctx context.Context, src, dst string) error
}

// Process is a running capture.
type Process interface {
	Pid() int
	// Stderr yields diagnostic output until the process exits.
	Stderr() io.Reader
	// Wait blocks until the process exits. Stderr must be drained first.
	Wait() error
}

// CaptureParams describes one camera's capture.
type CaptureParams struct {
	Source          string
	SegmentDuration time.Duration
	RecordAudio     bool
	OutputDir       string
	// Extension of the raw segment files, without the dot.
	Extension string
}

func (p CaptureParams) Validate() error {
	if p.Source == "" {
		return fmt.Errorf("source is required")
	}
	if p.SegmentDuration < time.Second {
		return fmt.Errorf("segment duration must be at least one second")
	}
	if p.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if p.Extension == "" {
		return fmt.Errorf("segment extension is required")
	}
	return nil
}

// ConversionError is returned when a remux exits unsuccessfully.
type ConversionError struct {
	Src    string
	Output string
	Err    error
}

func (e *ConversionError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("failed to convert %s: %v", e.Src, e.Err)
	}
	return fmt.Sprintf("failed to convert %s: %v: %s", e.Src, e.Err, out)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// IsConversion reports whether err is (or wraps) a ConversionError.
func IsConversion(err error) bool {
	var e *ConversionError
	return errors.As(err, &e)
}

// FFmpeg runs the ffmpeg binary at Path ("ffmpeg" on $PATH when empty).
type FFmpeg struct {
	Path string
}

func (f *FFmpeg) binary() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

// StartCapture implements Encoder.
func (f *FFmpeg) StartCapture(ctx context.Context, params CaptureParams) (Process, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, f.binary(), CaptureArgs(params)...)
	// Ask ffmpeg to finish the current segment instead of killing it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg process: %w", err)
	}

	return &ffmpegProcess{cmd: cmd, stderr: stderr}, nil
}

// Remux implements Encoder.
func (f *FFmpeg) Remux(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, f.binary(), RemuxArgs(src, dst)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ConversionError{Src: src, Output: string(output), Err: err}
	}
	return nil
}

// CaptureArgs builds the capture invocation. Order matters to ffmpeg: input
// options precede -i, output options follow it.
func CaptureArgs(params CaptureParams) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
	}

	// Interleaved TCP survives packet loss that breaks RTP over UDP.
	if strings.HasPrefix(strings.ToLower(params.Source), "rtsp://") ||
		strings.HasPrefix(strings.ToLower(params.Source), "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp")
	}

	args = append(args,
		"-i", params.Source,
		"-map", "0:v",
		"-c:v", "copy",
	)

	if params.RecordAudio {
		args = append(args, "-map", "0:a?", "-c:a", "aac")
	} else {
		args = append(args, "-an")
	}

	seconds := int(params.SegmentDuration / time.Second)
	args = append(args,
		"-f", "segment",
		"-segment_time", strconv.Itoa(seconds),
		// Align rotation to wall clock so names are comparable across restarts.
		"-segment_atclocktime", "1",
		"-reset_timestamps", "1",
		"-strftime", "1",
		"-y",
		filepath.Join(params.OutputDir, "%s."+params.Extension),
	)

	return args
}

// RemuxArgs builds the convert invocation for src -> dst.
func RemuxArgs(src, dst string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", src,
		"-map", "0",
		"-c", "copy",
	}
	if ext := strings.ToLower(filepath.Ext(dst)); ext == ".mp4" || ext == ".mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, dst)
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stderr io.Reader
}

func (p *ffmpegProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *ffmpegProcess) Stderr() io.Reader {
	return p.stderr
}

func (p *ffmpegProcess) Wait() error {
	return p.cmd.Wait()
}
