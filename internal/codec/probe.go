package codec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/models"
)

// Metadata describes the primary video stream of a file.
type Metadata struct {
	Path      string
	Container string
	Width     int
	Height    int
	// FrameRate is the exact rational rate reported by ffprobe, e.g.
	// "30000/1001". Encoding reuses it verbatim.
	FrameRate  string
	FPS        float64
	FrameCount int
	Duration   float64
	VideoCodec string
	Audio      *AudioTrack
}

// AudioTrack identifies the audio stream to stream-copy on encode. It is a
// reference into the source file, never decoded.
type AudioTrack struct {
	Source     string
	Index      int
	Codec      string
	Channels   int
	SampleRate int
}

// Probe reads container metadata with a single ffprobe JSON call, plus a
// frame counting pass when the container does not record a frame count.
func (c *Codec) Probe(ctx context.Context, path string) (Metadata, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !imaging.IsVideoExt(ext) {
		return Metadata{}, fmt.Errorf("%w: video container %q", models.ErrUnsupportedFormat, ext)
	}
	if _, err := os.Stat(path); err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", models.ErrInvalidInput, path, err)
	}

	out, err := c.ffprobe(ctx,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	if err != nil {
		if ctx.Err() != nil {
			return Metadata{}, ctx.Err()
		}
		return Metadata{}, fmt.Errorf("%w: probe %s: %v", models.ErrUnsupportedFormat, path, err)
	}

	meta, err := ParseProbe(out)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", models.ErrUnsupportedFormat, path, err)
	}
	meta.Path = path
	meta.Container = strings.TrimPrefix(ext, ".")
	if meta.Audio != nil {
		meta.Audio.Source = path
	}

	if meta.FrameCount <= 0 {
		n, err := c.countFrames(ctx, path)
		if err != nil {
			return Metadata{}, err
		}
		meta.FrameCount = n
	}
	return meta, nil
}

func (c *Codec) countFrames(ctx context.Context, path string) (int, error) {
	out, err := c.ffprobe(ctx,
		"-v", "error",
		"-count_frames",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_read_frames",
		"-print_format", "json",
		path,
	)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: count frames %s: %v", models.ErrCorruptMedia, path, err)
	}

	var raw ffprobeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return 0, fmt.Errorf("parse frame count: %w", err)
	}
	if len(raw.Streams) == 0 {
		return 0, fmt.Errorf("%w: %s has no video stream", models.ErrUnsupportedFormat, path)
	}
	return parseInt(raw.Streams[0].NbReadFrames), nil
}

func (c *Codec) ffprobe(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.opts.FFprobePath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ParseProbe converts raw ffprobe JSON into Metadata. Path fields are left
// for the caller.
func ParseProbe(data []byte) (Metadata, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	var meta Metadata
	var video *ffprobeStream
	for i := range raw.Streams {
		s := &raw.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil && s.Disposition["attached_pic"] != 1 {
				video = s
			}
		case "audio":
			if meta.Audio == nil {
				meta.Audio = &AudioTrack{
					Index:      s.Index,
					Codec:      s.CodecName,
					Channels:   s.Channels,
					SampleRate: parseInt(s.SampleRate),
				}
			}
		}
	}
	if video == nil {
		return Metadata{}, fmt.Errorf("no video stream")
	}
	if video.Width <= 0 || video.Height <= 0 {
		return Metadata{}, fmt.Errorf("video stream has no dimensions")
	}

	rate := video.AvgFrameRate
	fps := parseRate(rate)
	if fps <= 0 {
		rate = video.RFrameRate
		fps = parseRate(rate)
	}
	if fps <= 0 {
		return Metadata{}, fmt.Errorf("video stream has no frame rate")
	}

	meta.Width = video.Width
	meta.Height = video.Height
	meta.FrameRate = rate
	meta.FPS = fps
	meta.FrameCount = parseInt(video.NbFrames)
	meta.VideoCodec = video.CodecName
	meta.Duration = parseFloat(raw.Format.Duration)
	return meta, nil
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

type ffprobeStream struct {
	Index        int            `json:"index"`
	CodecName    string         `json:"codec_name"`
	CodecType    string         `json:"codec_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	RFrameRate   string         `json:"r_frame_rate"`
	NbFrames     string         `json:"nb_frames"`
	NbReadFrames string         `json:"nb_read_frames"`
	Channels     int            `json:"channels"`
	SampleRate   string         `json:"sample_rate"`
	Disposition  map[string]int `json:"disposition"`
}

// parseRate turns "num/den" into frames per second; "0/0" yields 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return parseFloat(s)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
