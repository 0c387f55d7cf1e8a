// Package renderer draws ticket images and hands them to an image store.
package renderer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"ticketrender/internal/events"
	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/worker/barcode"
)

// Layout of the ticket canvas, in pixels.
const (
	Width  = 640
	Height = 200

	textMargin    = 10
	barcodeMargin = 15
	barcodeTop    = 90
	barcodeBottom = 180

	headerSize = 18
	detailSize = 12
	detailY    = 40
	contactY   = 60

	startTimeLayout = "1/2/2006 3:04:05 PM"
)

var (
	headerColor = color.RGBA{R: 72, G: 61, B: 139, A: 255} // dark slate blue
	detailColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

// ImageStore persists encoded images. It reports ordinary failures as false.
type ImageStore interface {
	Store(ctx context.Context, data []byte, path string) bool
}

type Renderer struct {
	store   ImageStore
	barcode barcode.Generator
	bold    *opentype.Font
	regular *opentype.Font
	log     *logger.Logger
}

func New(store ImageStore, gen barcode.Generator, log *logger.Logger) (*Renderer, error) {
	bold, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, errors.Wrap(err, "renderer.new", "parse bold font")
	}
	regular, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, errors.Wrap(err, "renderer.new", "parse regular font")
	}
	return &Renderer{
		store:   store,
		barcode: gen,
		bold:    bold,
		regular: regular,
		log:     logger.OrDefault(log).WithComponent("renderer"),
	}, nil
}

// RenderTicket renders and stores the ticket image and returns the stored
// path. It returns "" with a nil error when the request cannot be rendered or
// the image could not be stored; both are final outcomes. An error is returned
// only when ctx ended, so the request is delivered again.
func (r *Renderer) RenderTicket(ctx context.Context, req events.RenderRequest) (string, error) {
	log := r.log.FromContext(ctx).With("event_id", req.EventID.String())

	if part := req.MissingPart(); part != "" {
		attrs := []any{"missing", part}
		if req.Ticket != nil {
			attrs = append(attrs, "ticket_id", req.Ticket.ID)
		}
		log.Warn("render request has no "+part+", skipping", attrs...)
		return "", nil
	}
	log = log.With("ticket_id", req.Ticket.ID)

	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "renderer.render", "render canceled")
	}

	start := time.Now()
	data, err := r.Compose(req)
	if err != nil {
		return "", err
	}

	path := req.ResolveOutputPath()
	if !r.store.Store(ctx, data, path) {
		if err := ctx.Err(); err != nil {
			return "", errors.Wrap(err, "renderer.store", "store canceled")
		}
		log.Error("ticket image was not stored", "output_path", path)
		return "", nil
	}

	log.Info("ticket rendered",
		"output_path", path,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return path, nil
}

// Compose draws the ticket and encodes it as PNG. req must be renderable.
func (r *Renderer) Compose(req events.RenderRequest) ([]byte, error) {
	t := req.Ticket
	if part := req.MissingPart(); part != "" {
		return nil, errors.ValidationField(part, "render request has no "+part)
	}

	header, err := opentype.NewFace(r.bold, &opentype.FaceOptions{Size: headerSize, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, errors.Wrap(err, "renderer.compose", "header face")
	}
	defer header.Close()
	detail, err := opentype.NewFace(r.regular, &opentype.FaceOptions{Size: detailSize, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, errors.Wrap(err, "renderer.compose", "detail face")
	}
	defer detail.Close()

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	p := message.NewPrinter(language.AmericanEnglish)
	drawText(img, header, headerColor, textMargin, textMargin, t.Concert.Artist)
	drawText(img, detail, detailColor, textMargin, detailY,
		t.Concert.Location+"   |   "+t.Concert.StartTime.UTC().Format(startTimeLayout))
	drawText(img, detail, detailColor, textMargin, contactY,
		t.Customer.Email+"   |   "+p.Sprintf("$%.2f", t.Concert.Price))

	r.drawBarcode(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "renderer.compose", "encode png")
	}
	return buf.Bytes(), nil
}

// drawText draws s with its top-left corner at (x, y).
func drawText(dst draw.Image, face font.Face, c color.Color, x, y int, s string) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)
}

// drawBarcode alternates filled bars and gaps across the barcode band.
func (r *Renderer) drawBarcode(img *image.RGBA) {
	x := barcodeMargin
	for i, w := range r.barcode.GenerateBarWidths(Width - 2*barcodeMargin) {
		if i%2 == 0 {
			bar := image.Rect(x, barcodeTop, x+w, barcodeBottom).Intersect(img.Bounds())
			draw.Draw(img, bar, image.Black, image.Point{}, draw.Src)
		}
		x += w
	}
}
