package transcode

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"rivercast/internal/models"
)

const (
	// MasterPlaylistName is the file name of the multivariant manifest
	// inside a job's output directory.
	MasterPlaylistName = "master.m3u8"
	// MediaPlaylistName is the file name of each rendition's playlist
	// inside its rendition directory.
	MediaPlaylistName = "index.m3u8"
)

// DefaultCodecs is advertised for every rendition produced by the H.264/AAC
// encoder settings.
const DefaultCodecs = "avc1.64001f,mp4a.40.2"

// Segment is one completed media chunk of a rendition.
type Segment struct {
	// Sequence is the segment index on the shared timeline: start time
	// divided by the segment duration. Aligned renditions produce equal
	// sequences for the same wall-clock slice.
	Sequence int
	URI      string
	Start    time.Duration
	Duration time.Duration
}

// mediaPlaylist accumulates the segments of a single rendition in arrival
// order.
type mediaPlaylist struct {
	segments []Segment
	window   int
	ended    bool
}

func (p *mediaPlaylist) append(seg Segment) {
	p.segments = append(p.segments, seg)
}

func (p *mediaPlaylist) visible() []Segment {
	if p.window > 0 && len(p.segments) > p.window {
		return p.segments[len(p.segments)-p.window:]
	}
	return p.segments
}

func (p *mediaPlaylist) render(segmentDuration time.Duration) []byte {
	segments := p.visible()
	target := int(math.Ceil(segmentDuration.Seconds()))
	for _, seg := range segments {
		if d := int(math.Ceil(seg.Duration.Seconds())); d > target {
			target = d
		}
	}
	if target < 1 {
		target = 1
	}
	mediaSequence := 0
	if len(segments) > 0 {
		mediaSequence = segments[0].Sequence
	}

	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	buf.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&buf, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	for _, seg := range segments {
		fmt.Fprintf(&buf, "#EXTINF:%.3f,\n", seg.Duration.Seconds())
		buf.WriteString(seg.URI)
		buf.WriteByte('\n')
	}
	if p.ended {
		buf.WriteString("#EXT-X-ENDLIST\n")
	}
	return buf.Bytes()
}

// renderMaster writes the multivariant playlist. ladder must already be
// sorted ascending by bandwidth.
func renderMaster(ladder []models.RenditionSpec, codecs string) []byte {
	if codecs == "" {
		codecs = DefaultCodecs
	}
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	buf.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range ladder {
		fmt.Fprintf(&buf, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s,CODECS=\"%s\"\n", r.Bandwidth(), r.Resolution(), codecs)
		buf.WriteString(mediaPlaylistURI(r.Name))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func mediaPlaylistURI(rendition string) string {
	return rendition + "/" + MediaPlaylistName
}

// writeFileAtomic replaces path with data so players never observe a
// partially written playlist.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".playlist-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp playlist: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close playlist: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace playlist: %w", err)
	}
	success = true
	return nil
}

// Variant is one entry of a master manifest as read back from disk.
type Variant struct {
	URI       string `json:"uri"`
	Bandwidth int    `json:"bandwidth"`
}

// ReadMaster parses the master manifest at path.
func ReadMaster(path string) ([]Variant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parse master playlist: %w", err)
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, fmt.Errorf("%s is not a multivariant playlist", path)
	}
	out := make([]Variant, 0, len(mv.Variants))
	for _, v := range mv.Variants {
		out = append(out, Variant{URI: v.URI, Bandwidth: int(v.Bandwidth)})
	}
	return out, nil
}

// ReadMedia parses a rendition playlist and returns its segment URIs in
// playlist order.
func ReadMedia(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parse media playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("%s is not a media playlist", path)
	}
	uris := make([]string, 0, len(media.Segments))
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		uris = append(uris, seg.URI)
	}
	return uris, nil
}
