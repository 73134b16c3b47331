package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"rivercast/internal/ffmpeg"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
)

// ErrInputEnded is returned by an encoder whose input feed closed while the
// job was still expected to run.
var ErrInputEnded = errors.New("input feed ended")

// EncodeRequest describes a single rendition of a job.
type EncodeRequest struct {
	SessionID       string
	Input           string
	OutputDir       string
	Rendition       models.RenditionSpec
	SegmentDuration time.Duration
}

// Encoder produces the segments of one rendition. Encode blocks until ctx is
// cancelled or encoding stops, reporting every completed segment through
// onSegment in order. The Segment.Sequence field is filled in by the caller.
type Encoder interface {
	Encode(ctx context.Context, req EncodeRequest, onSegment func(Segment)) error
}

// FFmpegEncoder runs one ffmpeg process per rendition. Input timestamps are
// copied through and keyframes are forced on every segment boundary of that
// timeline, so renditions of the same job report the same segment starts no
// matter when each process attached to the feed.
type FFmpegEncoder struct {
	Runner ffmpeg.Runner
	Logger *slog.Logger
	// Preset is the x264 preset; empty selects "veryfast".
	Preset string
}

func (e *FFmpegEncoder) Encode(ctx context.Context, req EncodeRequest, onSegment func(Segment)) error {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create rendition dir: %w", err)
	}
	args := buildEncodeArgs(req, e.Preset)
	proc, err := e.Runner.Start(ctx, args, ffmpeg.StartOptions{
		CaptureStdout: true,
		LogAttrs:      []any{"session_id", req.SessionID, "rendition", req.Rendition.Name},
	})
	if err != nil {
		return err
	}
	logger := logging.OrDefault(e.Logger)
	if err := readSegmentList(proc.Stdout(), onSegment); err != nil && ctx.Err() == nil {
		logger.Warn("segment list read failed", "session_id", req.SessionID, "rendition", req.Rendition.Name, "error", err)
	}
	if err := proc.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return ErrInputEnded
}

func buildEncodeArgs(req EncodeRequest, preset string) []string {
	if preset == "" {
		preset = "veryfast"
	}
	r := req.Rendition
	seconds := strconv.FormatFloat(req.SegmentDuration.Seconds(), 'f', -1, 64)
	gop := strconv.Itoa(int(math.Round(req.SegmentDuration.Seconds() * 30)))
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-nostdin",
		"-copyts",
		"-i", req.Input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", r.Width, r.Height, r.Width, r.Height),
		"-c:v", "libx264",
		"-preset", preset,
		"-tune", "zerolatency",
		"-profile:v", "high",
		"-b:v", fmt.Sprintf("%dk", r.VideoBitrate),
		"-maxrate", fmt.Sprintf("%dk", r.VideoBitrate),
		"-bufsize", fmt.Sprintf("%dk", r.VideoBitrate*2),
		"-g", gop,
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%s)", seconds),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", r.AudioBitrate),
		"-ar", "48000",
		"-f", "segment",
		"-segment_time", seconds,
		"-segment_format", "mpegts",
		"-segment_list", "pipe:1",
		"-segment_list_type", "csv",
		"-segment_list_flags", "live",
		filepath.Join(req.OutputDir, "seg_%05d.ts"),
	}
}

// readSegmentList consumes the csv segment list ffmpeg writes to stdout, one
// "filename,start,end" line per completed segment.
func readSegmentList(r io.Reader, onSegment func(Segment)) error {
	if r == nil {
		return nil
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		seg, ok := parseSegmentLine(scanner.Text())
		if !ok {
			continue
		}
		onSegment(seg)
	}
	return scanner.Err()
}

func parseSegmentLine(line string) (Segment, bool) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 3 || parts[0] == "" {
		return Segment{}, false
	}
	start, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Segment{}, false
	}
	end, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || end < start {
		return Segment{}, false
	}
	return Segment{
		URI:      filepath.Base(parts[0]),
		Start:    secondsToDuration(start),
		Duration: secondsToDuration(end - start),
	}, true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
