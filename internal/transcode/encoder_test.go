package transcode

import (
	"strings"
	"testing"
	"time"

	"rivercast/internal/models"
)

func TestParseSegmentLine(t *testing.T) {
	seg, ok := parseSegmentLine("/tmp/out/720p/seg_00003.ts,18.000000,24.033333\n")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if seg.URI != "seg_00003.ts" {
		t.Fatalf("unexpected uri %q", seg.URI)
	}
	if seg.Start != 18*time.Second {
		t.Fatalf("unexpected start %s", seg.Start)
	}
	if seg.Duration < 6*time.Second || seg.Duration > 6050*time.Millisecond {
		t.Fatalf("unexpected duration %s", seg.Duration)
	}

	for _, line := range []string{"", "seg.ts,1.0", "seg.ts,abc,2", "seg.ts,5,4", ",0,6"} {
		if _, ok := parseSegmentLine(line); ok {
			t.Fatalf("expected %q to be rejected", line)
		}
	}
}

func TestReadSegmentListSkipsGarbage(t *testing.T) {
	input := "seg_00000.ts,0.000000,6.000000\nnot a segment\nseg_00001.ts,6.000000,12.000000\n"
	var got []Segment
	if err := readSegmentList(strings.NewReader(input), func(s Segment) { got = append(got, s) }); err != nil {
		t.Fatalf("readSegmentList: %v", err)
	}
	if len(got) != 2 || got[1].Start != 6*time.Second {
		t.Fatalf("unexpected segments: %+v", got)
	}
}

func TestBuildEncodeArgsForcesAlignedKeyframes(t *testing.T) {
	args := buildEncodeArgs(EncodeRequest{
		Input:           "rtmp://ingest/live/s1",
		OutputDir:       "/out/s1/720p",
		Rendition:       models.RenditionSpec{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128},
		SegmentDuration: 6 * time.Second,
	}, "")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-copyts -i rtmp://ingest/live/s1",
		"-force_key_frames expr:gte(t,n_forced*6)",
		"-sc_threshold 0",
		"-segment_time 6",
		"-b:v 2800k",
		"-b:a 128k",
		"-preset veryfast",
		"-segment_list pipe:1",
		"scale=1280:720",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in args: %s", want, joined)
		}
	}
	if last := args[len(args)-1]; last != "/out/s1/720p/seg_%05d.ts" {
		t.Fatalf("unexpected output pattern %q", last)
	}
}
