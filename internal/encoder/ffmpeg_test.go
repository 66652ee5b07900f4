package encoder

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureArgs_RTSPWithAudio(t *testing.T) {
	args := CaptureArgs(CaptureParams{
		Source:          "rtsp://cam.local/stream",
		SegmentDuration: 10 * time.Minute,
		RecordAudio:     true,
		OutputDir:       "/data/front/temp",
		Extension:       "ts",
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-rtsp_transport tcp -i rtsp://cam.local/stream")
	assert.Contains(t, joined, "-c:v copy")
	assert.Contains(t, joined, "-c:a aac")
	assert.NotContains(t, joined, "-an")
	assert.Contains(t, joined, "-f segment -segment_time 600 -segment_atclocktime 1")
	assert.Contains(t, joined, "-strftime 1")
	assert.Equal(t, filepath.Join("/data/front/temp", "%s.ts"), args[len(args)-1])
	assert.Equal(t, "-y", args[len(args)-2])
}

func TestCaptureArgs_FileSourceWithoutAudio(t *testing.T) {
	args := CaptureArgs(CaptureParams{
		Source:          "/srv/sample.mkv",
		SegmentDuration: 5 * time.Second,
		OutputDir:       "/tmp/out",
		Extension:       "ts",
	})

	assert.NotContains(t, args, "-rtsp_transport")
	assert.Contains(t, args, "-an")
	assert.NotContains(t, args, "-c:a")

	// input options must come before -i
	assert.Less(t, indexOf(args, "-loglevel"), indexOf(args, "-i"))
	assert.Greater(t, indexOf(args, "-segment_time"), indexOf(args, "-i"))
}

func TestRemuxArgs(t *testing.T) {
	args := RemuxArgs("/tmp/1700000000.ts", "/tmp/1700000000.mp4")
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", "/tmp/1700000000.ts",
		"-map", "0", "-c", "copy",
		"-movflags", "+faststart",
		"/tmp/1700000000.mp4",
	}, args)

	mkv := RemuxArgs("/tmp/1.ts", "/tmp/1.mkv")
	assert.NotContains(t, mkv, "-movflags")
}

func TestCaptureParams_Validate(t *testing.T) {
	valid := CaptureParams{Source: "rtsp://x", SegmentDuration: time.Minute, OutputDir: "/tmp", Extension: "ts"}
	require.NoError(t, valid.Validate())

	short := valid
	short.SegmentDuration = 500 * time.Millisecond
	assert.Error(t, short.Validate())

	noSource := valid
	noSource.Source = ""
	assert.Error(t, noSource.Validate())
}

func TestConversionError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := error(&ConversionError{Src: "/tmp/1.ts", Output: "Invalid data found\n", Err: cause})

	assert.True(t, IsConversion(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to convert /tmp/1.ts: exit status 1: Invalid data found", err.Error())

	assert.False(t, IsConversion(cause))
}

func TestRemux_MissingBinaryIsConversionError(t *testing.T) {
	f := &FFmpeg{Path: filepath.Join(t.TempDir(), "no-such-ffmpeg")}
	err := f.Remux(context.Background(), "/tmp/in.ts", "/tmp/out.mp4")
	require.Error(t, err)
	assert.True(t, IsConversion(err))
}

func TestStartCapture_RejectsInvalidParams(t *testing.T) {
	f := &FFmpeg{}
	_, err := f.StartCapture(context.Background(), CaptureParams{})
	require.Error(t, err)
}

// writeMockFFmpeg installs a shell script standing in for the ffmpeg binary.
func writeMockFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mock_ffmpeg.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func captureParams(t *testing.T) CaptureParams {
	t.Helper()
	return CaptureParams{
		Source:          "rtsp://cam.local/stream",
		SegmentDuration: time.Minute,
		OutputDir:       t.TempDir(),
		Extension:       "ts",
	}
}

func waitWithTimeout(t *testing.T, proc Process) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("capture process did not exit")
		return nil
	}
}

func TestStartCapture_CancelSendsTerminate(t *testing.T) {
	bin := writeMockFFmpeg(t, `trap 'echo got-term >&2; exit 0' TERM
echo recording >&2
while :; do sleep 0.05; done
`)
	f := &FFmpeg{Path: bin}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc, err := f.StartCapture(ctx, captureParams(t))
	require.NoError(t, err)
	assert.Positive(t, proc.Pid())

	stderr := bufio.NewReader(proc.Stderr())
	line, err := stderr.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "recording\n", line)

	cancel()

	// the trap only fires for SIGTERM; a kill would leave stderr empty
	rest, err := io.ReadAll(stderr)
	require.NoError(t, err)
	assert.Equal(t, "got-term\n", string(rest))

	// the script exits cleanly, so Wait reports the cancellation
	assert.ErrorIs(t, waitWithTimeout(t, proc), context.Canceled)
}

func TestStartCapture_PassesArgsAndReportsExit(t *testing.T) {
	bin := writeMockFFmpeg(t, `echo "$@" >&2
exit 3
`)
	f := &FFmpeg{Path: bin}

	params := captureParams(t)
	proc, err := f.StartCapture(context.Background(), params)
	require.NoError(t, err)

	out, err := io.ReadAll(proc.Stderr())
	require.NoError(t, err)
	assert.Equal(t, strings.Join(CaptureArgs(params), " ")+"\n", string(out))

	err = waitWithTimeout(t, proc)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestStartCapture_MissingBinary(t *testing.T) {
	f := &FFmpeg{Path: filepath.Join(t.TempDir(), "no-such-ffmpeg")}
	_, err := f.StartCapture(context.Background(), captureParams(t))
	require.Error(t, err)
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}
