// Package codectest generates small sample videos for tests that need a
// real ffmpeg.
package codectest

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// RequireFFmpeg skips the test when ffmpeg or ffprobe is not installed.
func RequireFFmpeg(t testing.TB) {
	t.Helper()
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
}

// RequireEncoder skips the test when ffmpeg lacks the named encoder.
func RequireEncoder(t testing.TB, name string) {
	t.Helper()
	RequireFFmpeg(t)
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil || !strings.Contains(string(out), " "+name+" ") {
		t.Skipf("ffmpeg encoder %s not available", name)
	}
}

// Sample describes a generated test video.
type Sample struct {
	Frames int
	Rate   int
	Width  int
	Height int
	Audio  bool
}

// Make writes a test pattern video (with a sine tone when s.Audio) to
// dir/name and returns its path. The container follows name's extension;
// mp4 output keeps the index at the front so truncated copies still probe.
func Make(t testing.TB, dir, name string, s Sample) string {
	t.Helper()
	RequireFFmpeg(t)
	if s.Rate == 0 {
		s.Rate = 24
	}
	if s.Width == 0 {
		s.Width, s.Height = 64, 48
	}

	path := filepath.Join(dir, name)
	args := []string{
		"-y", "-v", "error",
		"-f", "lavfi", "-i", fmt.Sprintf("testsrc=size=%dx%d:rate=%d", s.Width, s.Height, s.Rate),
	}
	if s.Audio {
		args = append(args, "-f", "lavfi", "-i", "sine=frequency=440:sample_rate=44100")
	}
	args = append(args, "-frames:v", strconv.Itoa(s.Frames), "-c:v", "mpeg4", "-q:v", "3", "-pix_fmt", "yuv420p")
	if s.Audio {
		duration := float64(s.Frames) / float64(s.Rate)
		args = append(args, "-c:a", "aac", "-t", strconv.FormatFloat(duration, 'f', 3, 64))
	}
	if strings.EqualFold(filepath.Ext(name), ".mp4") {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, path)

	if out, err := exec.Command("ffmpeg", args...).CombinedOutput(); err != nil {
		t.Fatalf("generate sample: %v\n%s", err, out)
	}
	return path
}

// CountFrames decodes path fully and returns the number of video frames.
func CountFrames(t testing.TB, path string) int {
	t.Helper()
	out, err := exec.Command("ffprobe", "-v", "error", "-count_frames", "-select_streams", "v:0",
		"-show_entries", "stream=nb_read_frames", "-of", "csv=p=0", path).Output()
	if err != nil {
		t.Fatalf("count frames: %v", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(string(out)), ",")))
	if err != nil {
		t.Fatalf("parse frame count %q: %v", out, err)
	}
	return n
}

// AudioDigest returns an md5 of the first audio stream's packets, which is
// stable across stream-copy remuxes.
func AudioDigest(t testing.TB, path string) string {
	t.Helper()
	out, err := exec.Command("ffmpeg", "-v", "error", "-i", path, "-map", "0:a:0", "-c", "copy", "-f", "md5", "-").Output()
	if err != nil {
		t.Fatalf("audio digest: %v", err)
	}
	return strings.TrimSpace(string(out))
}

// FrameRate returns the avg_frame_rate of the first video stream.
func FrameRate(t testing.TB, path string) string {
	t.Helper()
	out, err := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate", "-of", "csv=p=0", path).Output()
	if err != nil {
		t.Fatalf("frame rate: %v", err)
	}
	return strings.TrimSpace(string(out))
}
