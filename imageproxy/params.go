package imageproxy

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

const (
	// MaxDimension caps requested width and height.
	MaxDimension = 4000
	// DefaultQuality applies when q is absent or unparsable.
	DefaultQuality = 80
)

// Fit controls how an image is sized into the requested box.
type Fit string

const (
	FitCover   Fit = "cover"
	FitContain Fit = "contain"
	FitFill    Fit = "fill"
	FitInside  Fit = "inside"
	FitOutside Fit = "outside"
)

var (
	errMissingSrc = errors.New("src is required")
	errBadFit     = errors.New("fit must be one of cover, contain, fill, inside, outside")
)

// Params are the parsed query parameters of an image request.
type Params struct {
	Src     string
	Width   int
	Height  int
	Quality int
	Format  string
	Fit     Fit
}

// ParseParams reads src, w, h, q, format and fit. Width and height are
// capped at MaxDimension and quality is clamped to 1..100.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		Src:     strings.TrimSpace(q.Get("src")),
		Width:   dimension(q.Get("w")),
		Height:  dimension(q.Get("h")),
		Quality: quality(q.Get("q")),
		Format:  normalizeFormat(q.Get("format")),
		Fit:     FitCover,
	}
	if p.Src == "" {
		return Params{}, errMissingSrc
	}
	if f := strings.ToLower(strings.TrimSpace(q.Get("fit"))); f != "" {
		switch Fit(f) {
		case FitCover, FitContain, FitFill, FitInside, FitOutside:
			p.Fit = Fit(f)
		default:
			return Params{}, errBadFit
		}
	}
	return p, nil
}

func dimension(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return min(n, MaxDimension)
}

func quality(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return DefaultQuality
	}
	return max(1, min(n, 100))
}

func normalizeFormat(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "jpg" {
		return "jpeg"
	}
	return s
}

// IsRemote reports whether Src is an http(s) URL.
func (p Params) IsRemote() bool {
	return strings.HasPrefix(p.Src, "http://") || strings.HasPrefix(p.Src, "https://")
}
