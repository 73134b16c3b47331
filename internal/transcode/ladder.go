package transcode

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"rivercast/internal/models"
)

// DefaultLadder is used when no ladder is configured.
var DefaultLadder = []models.RenditionSpec{
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1400, AudioBitrate: 128},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128},
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5000, AudioBitrate: 192},
}

var renditionName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParseLadder parses a comma separated list of name:WxH:videoKbps:audioKbps
// entries, e.g. "360p:640x360:800:96,720p:1280x720:2800:128". The result is
// ordered low to high by bandwidth.
func ParseLadder(spec string) ([]models.RenditionSpec, error) {
	entries := strings.Split(spec, ",")
	results := make([]models.RenditionSpec, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid rendition spec %q", trimmed)
		}
		width, height, err := parseResolution(parts[1])
		if err != nil {
			return nil, fmt.Errorf("rendition %q: %w", trimmed, err)
		}
		video, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid video bitrate for rendition %q: %w", trimmed, err)
		}
		audio, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("invalid audio bitrate for rendition %q: %w", trimmed, err)
		}
		results = append(results, models.RenditionSpec{
			Name:         strings.TrimSpace(parts[0]),
			Width:        width,
			Height:       height,
			VideoBitrate: video,
			AudioBitrate: audio,
		})
	}
	if len(results) == 0 {
		return nil, errors.New("no rendition profiles configured")
	}
	if err := ValidateLadder(results); err != nil {
		return nil, err
	}
	return SortLadder(results), nil
}

func parseResolution(raw string) (int, int, error) {
	dims := strings.Split(strings.ToLower(strings.TrimSpace(raw)), "x")
	if len(dims) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q", raw)
	}
	width, err := strconv.Atoi(dims[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width %q", dims[0])
	}
	height, err := strconv.Atoi(dims[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height %q", dims[1])
	}
	return width, height, nil
}

// ValidateLadder checks that every rendition is encodable and that names are
// unique and usable as directory names.
func ValidateLadder(ladder []models.RenditionSpec) error {
	if len(ladder) == 0 {
		return errors.New("ladder must contain at least one rendition")
	}
	seen := make(map[string]struct{}, len(ladder))
	for _, r := range ladder {
		if !renditionName.MatchString(r.Name) {
			return fmt.Errorf("invalid rendition name %q", r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("duplicate rendition name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("rendition %s: resolution must be positive", r.Name)
		}
		if r.Width%2 != 0 || r.Height%2 != 0 {
			return fmt.Errorf("rendition %s: resolution must be even", r.Name)
		}
		if r.VideoBitrate <= 0 || r.AudioBitrate < 0 {
			return fmt.Errorf("rendition %s: bitrates must be positive", r.Name)
		}
	}
	return nil
}

// SortLadder returns a copy ordered ascending by bandwidth, breaking ties by
// height then name so the order is deterministic.
func SortLadder(ladder []models.RenditionSpec) []models.RenditionSpec {
	out := append([]models.RenditionSpec(nil), ladder...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Bandwidth() != out[j].Bandwidth() {
			return out[i].Bandwidth() < out[j].Bandwidth()
		}
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Nearest returns the rendition in candidates whose bandwidth is closest to
// target, preferring the lower one on a tie.
func Nearest(target models.RenditionSpec, candidates []models.RenditionSpec) (models.RenditionSpec, bool) {
	var (
		best  models.RenditionSpec
		found bool
		gap   int
	)
	for _, c := range candidates {
		if c.Name == target.Name {
			continue
		}
		d := c.Bandwidth() - target.Bandwidth()
		if d < 0 {
			d = -d
		}
		if !found || d < gap || (d == gap && c.Bandwidth() < best.Bandwidth()) {
			best, gap, found = c, d, true
		}
	}
	return best, found
}
