package videox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cyclopcam/personclip/pkg/media"
)

type probeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	TimeBase     string `json:"time_base"`
	DurationTS   *int64 `json:"duration_ts"`
	Duration     string `json:"duration"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

// Probe inspects a video file with ffprobe, and returns a description of its first video stream.
func Probe(ctx context.Context, filename string) (*media.SourceMedia, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		filename,
	}
	out, err := RunAppOutput(ctx, FFprobePath, args)
	if err != nil {
		return nil, fmt.Errorf("%w: Failed to probe %v: %w", media.ErrSetupFailed, filename, err)
	}
	src, err := parseProbe(out)
	if err != nil {
		return nil, err
	}
	src.Filename = filename
	return src, nil
}

func parseProbe(raw []byte) (*media.SourceMedia, error) {
	probe := probeOutput{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: Invalid ffprobe output: %w", media.ErrSetupFailed, err)
	}
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		tb, err := parseRational(s.TimeBase)
		if err != nil || tb.IsZero() {
			return nil, fmt.Errorf("%w: Invalid time base '%v'", media.ErrSetupFailed, s.TimeBase)
		}
		if s.Width <= 0 || s.Height <= 0 {
			return nil, fmt.Errorf("%w: Invalid video dimensions %v x %v", media.ErrSetupFailed, s.Width, s.Height)
		}
		src := &media.SourceMedia{
			StreamIndex: s.Index,
			Codec:       s.CodecName,
			Width:       s.Width,
			Height:      s.Height,
			TimeBase:    tb,
			TimeScale:   int32(tb.Den),
			Duration:    media.InvalidTime,
		}
		// Prefer the average frame rate, because r_frame_rate is sometimes the field rate, or a wild guess
		if fr, err := parseRational(s.AvgFrameRate); err == nil && !fr.IsZero() {
			src.FrameRate = fr
		} else if fr, err := parseRational(s.RFrameRate); err == nil && !fr.IsZero() {
			src.FrameRate = fr
		}
		// The container's duration is the equivalent of an "overall duration hint", and covers all streams.
		// Fall back to the stream's own duration.
		if sec, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil && sec > 0 {
			src.Duration = media.TimeFromSeconds(sec, src.TimeScale)
		} else if s.DurationTS != nil && *s.DurationTS > 0 {
			src.Duration = media.MakeTime(*s.DurationTS*int64(tb.Num), src.TimeScale)
		} else if sec, err := strconv.ParseFloat(s.Duration, 64); err == nil && sec > 0 {
			src.Duration = media.TimeFromSeconds(sec, src.TimeScale)
		}
		return src, nil
	}
	return nil, media.ErrNoVideoTrack
}

// Parse "30000/1001" or "25"
func parseRational(s string) (media.Rational, error) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		den = "1"
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return media.Rational{}, err
	}
	d, err := strconv.Atoi(den)
	if err != nil {
		return media.Rational{}, err
	}
	return media.Rational{Num: n, Den: d}, nil
}
