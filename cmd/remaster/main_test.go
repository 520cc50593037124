package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdougie/remaster/internal/config"
	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/storage"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.ConfigPathEnvVar, "")
	t.Setenv("REMASTER_MODELS__BACKEND", "resample")
	t.Setenv("REMASTER_LOGGING__LEVEL", "error")
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeImage(t *testing.T, path string, format imaging.Format) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 12, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 12; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 20), G: uint8(y * 30), B: 90, A: 255})
		}
	}
	if _, err := imaging.Encode(path, img, format); err != nil {
		t.Fatal(err)
	}
}

func TestRunUsage(t *testing.T) {
	setupEnv(t)
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no args", nil, 1},
		{"help", []string{"help"}, 0},
		{"unknown command", []string{"frobnicate"}, 1},
		{"bad flag", []string{"models", "-nope"}, 1},
		{"command help", []string{"models", "-h"}, 0},
		{"bad log level", []string{"models", "-log-level", "loud"}, 1},
		{"missing input", []string{"enhance-image"}, 1},
		{"missing config file", []string{"models", "-config", "does-not-exist.yaml"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := execute(t, tt.args...); code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
		})
	}
}

func TestModelsCommand(t *testing.T) {
	setupEnv(t)
	code, out, _ := execute(t, "models")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	for _, id := range []string{"bicubic", "esrgan", "esrgan_anime"} {
		if !strings.Contains(out, id) {
			t.Errorf("output missing %s:\n%s", id, out)
		}
	}
}

func TestEnhanceImageCommand(t *testing.T) {
	setupEnv(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "photo.png")
	writeImage(t, in, imaging.FormatPNG)
	out := filepath.Join(dir, "out", "big.png")

	code, stdout, stderr := execute(t, "enhance-image", "-model", "bicubic", "-o", out, in)
	if code != 0 {
		t.Fatalf("exit code = %d: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != out {
		t.Errorf("printed %q, want %q", stdout, out)
	}
	img, _, err := imaging.Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 24 || b.Dy() != 16 {
		t.Errorf("output is %dx%d, want 24x16", b.Dx(), b.Dy())
	}

	if code, _, _ := execute(t, "enhance-image", "-model", "nope", "-o", out, in); code != 1 {
		t.Errorf("unknown model exit code = %d, want 1", code)
	}
}

func TestBatchCommandPartialFailure(t *testing.T) {
	setupEnv(t)
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "a.jpg"), imaging.FormatJPEG)
	if err := os.WriteFile(filepath.Join(dir, "b.png"), []byte("corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeImage(t, filepath.Join(dir, "c.bmp"), imaging.FormatBMP)
	outDir := filepath.Join(t.TempDir(), "out")
	reportPath := filepath.Join(t.TempDir(), "report.json")

	code, stdout, stderr := execute(t, "batch", "-model", "esrgan", "-scale", "2", "-concurrency", "8",
		"-o", outDir, "-report", reportPath, dir)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2: %s", code, stderr)
	}
	if !strings.Contains(stdout, "partial_failure") {
		t.Errorf("summary missing outcome:\n%s", stdout)
	}

	report, err := storage.ReadReport(reportPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("report has %d results, want 3", len(report.Results))
	}
	for i, want := range []string{"a.jpg", "b.png", "c.bmp"} {
		if filepath.Base(report.Results[i].InputPath) != want {
			t.Errorf("result %d is %s, want %s", i, report.Results[i].InputPath, want)
		}
	}
	if report.Summary.Succeeded != 2 || report.Summary.Failed != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestBatchCommandAllFailed(t *testing.T) {
	setupEnv(t)
	dir := t.TempDir()
	bad := filepath.Join(dir, "x.png")
	if err := os.WriteFile(bad, []byte("corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := execute(t, "batch", "-o", filepath.Join(dir, "out"), bad); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
