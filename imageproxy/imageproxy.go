// Package imageproxy resizes and re-encodes local or remote images on the fly.
package imageproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/png"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	// FetchTimeout bounds remote source downloads.
	FetchTimeout = 10 * time.Second
	// MaxSourceBytes caps the size of a source image.
	MaxSourceBytes = 50 << 20
	// CacheControl is sent with every image response.
	CacheControl = "public, max-age=31536000, immutable"
	userAgent    = "Mozilla/5.0 (compatible; ImageProcessor/1.0)"
)

var (
	errForbidden = errors.New("path escapes public directory")
	errNotFound  = errors.New("image not found")
	errTooLarge  = errors.New("image exceeds size limit")
	errHost      = errors.New("remote host not allowed")
)

var encoders = map[string]imaging.Format{
	"jpeg": imaging.JPEG,
	"png":  imaging.PNG,
	"gif":  imaging.GIF,
	"tiff": imaging.TIFF,
	"bmp":  imaging.BMP,
}

// Proxy is an http.Handler serving /image requests.
type Proxy struct {
	publicDir    string
	client       *http.Client
	maxBytes     int64
	allowedHosts []string
	logger       *slog.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithHTTPClient replaces the client used for remote sources.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// WithMaxBytes overrides MaxSourceBytes.
func WithMaxBytes(n int64) Option {
	return func(p *Proxy) { p.maxBytes = n }
}

// WithAllowedHosts restricts remote sources to the given hosts. An empty
// list allows any host.
func WithAllowedHosts(hosts ...string) Option {
	return func(p *Proxy) {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				p.allowedHosts = append(p.allowedHosts, h)
			}
		}
	}
}

// New returns a Proxy serving local sources from publicDir.
func New(publicDir string, opts ...Option) *Proxy {
	p := &Proxy{
		publicDir: publicDir,
		client:    &http.Client{Timeout: FetchTimeout},
		maxBytes:  MaxSourceBytes,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "imageproxy")
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, err := ParseParams(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	src, err := p.load(r.Context(), params)
	switch {
	case errors.Is(err, errForbidden):
		w.WriteHeader(http.StatusForbidden)
		return
	case err != nil:
		p.logger.Warn("load image failed", "src", params.Src, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, contentType, err := Process(src, params)
	if err != nil {
		p.logger.Warn("process image failed", "src", params.Src, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if contentType == "" {
		contentType = passThroughType(params.Src, src)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", CacheControl)
	_, _ = w.Write(body)
}

func (p *Proxy) load(ctx context.Context, params Params) ([]byte, error) {
	if params.IsRemote() {
		return p.fetch(ctx, params.Src)
	}
	return p.readLocal(params.Src)
}

func (p *Proxy) readLocal(src string) ([]byte, error) {
	root, err := filepath.Abs(p.publicDir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(root, filepath.FromSlash(src))
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, errForbidden
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, errNotFound
	}
	if info.Size() > p.maxBytes {
		return nil, errTooLarge
	}
	return os.ReadFile(path)
}

func (p *Proxy) fetch(ctx context.Context, src string) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, err
	}
	if len(p.allowedHosts) > 0 && !slices.Contains(p.allowedHosts, strings.ToLower(u.Hostname())) {
		return nil, errHost
	}
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", u.Redacted(), resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > p.maxBytes {
		return nil, errTooLarge
	}
	return data, nil
}

// Process decodes src, resizes it per params and encodes it. An empty
// content type means src is returned unchanged: either its format is not
// recognised or the requested output cannot be encoded.
func Process(src []byte, params Params) ([]byte, string, error) {
	_, srcFormat, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return src, "", nil
	}
	if srcFormat == "jpg" {
		srcFormat = "jpeg"
	}

	out := params.Format
	if out == "" {
		out = srcFormat
		if _, ok := encoders[out]; !ok {
			out = "jpeg"
		}
	}
	format, ok := encoders[out]
	if !ok {
		return src, "image/" + srcFormat, nil
	}

	var buf bytes.Buffer
	if srcFormat == "gif" && out == "gif" {
		anim, err := gif.DecodeAll(bytes.NewReader(src))
		if err != nil {
			return nil, "", err
		}
		if len(anim.Image) > 1 {
			if err := gif.EncodeAll(&buf, resizeAnimation(anim, params)); err != nil {
				return nil, "", err
			}
			return buf.Bytes(), "image/gif", nil
		}
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", err
	}
	img = resize(img, params)
	if err := imaging.Encode(&buf, img, format,
		imaging.JPEGQuality(params.Quality),
		imaging.PNGCompressionLevel(png.DefaultCompression),
	); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/" + out, nil
}

// resize applies the fit mode without ever enlarging the source.
func resize(img image.Image, p Params) image.Image {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	w, h := p.Width, p.Height
	if w == 0 && h == 0 {
		return img
	}
	if w == 0 || h == 0 {
		if w > sw || h > sh {
			return img
		}
		return imaging.Resize(img, w, h, imaging.Lanczos)
	}

	switch p.Fit {
	case FitInside:
		return imaging.Fit(img, w, h, imaging.Lanczos)
	case FitContain:
		fitted := imaging.Fit(img, w, h, imaging.Lanczos)
		bw, bh := min(w, sw), min(h, sh)
		if fitted.Bounds().Dx() == bw && fitted.Bounds().Dy() == bh {
			return fitted
		}
		return imaging.PasteCenter(imaging.New(bw, bh, image.Transparent), fitted)
	case FitFill:
		return imaging.Resize(img, min(w, sw), min(h, sh), imaging.Lanczos)
	case FitOutside:
		scale := math.Max(float64(w)/float64(sw), float64(h)/float64(sh))
		if scale >= 1 {
			return img
		}
		return imaging.Resize(img, int(math.Ceil(float64(sw)*scale)), 0, imaging.Lanczos)
	default:
		scale := math.Min(1, math.Min(float64(sw)/float64(w), float64(sh)/float64(h)))
		cw := max(1, int(math.Round(float64(w)*scale)))
		ch := max(1, int(math.Round(float64(h)*scale)))
		return imaging.Fill(img, cw, ch, imaging.Center, imaging.Lanczos)
	}
}

// resizeAnimation composites every frame onto the logical screen, resizes
// it and quantizes it back to the frame's palette.
func resizeAnimation(anim *gif.GIF, p Params) *gif.GIF {
	screen := image.Rect(0, 0, anim.Config.Width, anim.Config.Height)
	if screen.Empty() {
		screen = anim.Image[0].Bounds()
	}
	canvas := image.NewRGBA(screen)
	out := &gif.GIF{
		Delay:     anim.Delay,
		LoopCount: anim.LoopCount,
		Disposal:  anim.Disposal,
	}
	for i, frame := range anim.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		resized := resize(canvas, p)
		pal := image.NewPaletted(resized.Bounds(), frame.Palette)
		draw.FloydSteinberg.Draw(pal, resized.Bounds(), resized, resized.Bounds().Min)
		out.Image = append(out.Image, pal)

		if i < len(anim.Disposal) && anim.Disposal[i] == gif.DisposalBackground {
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		}
	}
	if len(out.Image) > 0 {
		b := out.Image[0].Bounds()
		out.Config = image.Config{Width: b.Dx(), Height: b.Dy()}
	}
	return out
}

func passThroughType(src string, data []byte) string {
	if u, err := url.Parse(src); err == nil {
		src = u.Path
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(src))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
