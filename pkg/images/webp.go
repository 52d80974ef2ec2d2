/*
Copyright 2014 The Camlistore Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package images

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// Encoder shells out to cwebp (the reference WebP encoder) since no
// pure-Go encoder in this stack produces WebP. The source image is
// piped to cwebp as a PNG on stdin; the tool is asked to read from "-"
// and write to "-" so no temp files are needed.
type Encoder struct {
	// Bin is the cwebp binary name or path, resolved via PATH.
	Bin string
	// Quality is the cwebp quality factor (0-100).
	Quality int
}

// NewEncoder returns an Encoder using bin (default "cwebp") at the
// given quality. quality <= 0 defaults to 80, matching the canonical
// default in the transfer pipeline's to_webp operation.
func NewEncoder(bin string, quality int) *Encoder {
	if bin == "" {
		bin = "cwebp"
	}
	if quality <= 0 {
		quality = 80
	}
	return &Encoder{Bin: bin, Quality: quality}
}

// ToWebP re-encodes im to WebP, converting to RGBA first if im carries
// an alpha channel and to RGB otherwise, and writes the result to w.
func (e *Encoder) ToWebP(im image.Image, w io.Writer) error {
	normalized := normalizeColorModel(im)

	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, normalized); err != nil {
		return fmt.Errorf("images: png intermediate encode: %w", err)
	}

	cmd := exec.Command(e.Bin, "-quiet", "-m", "6", "-q", strconv.Itoa(e.Quality), "-o", "-", "--", "-")
	cmd.Stdin = &pngBuf
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("images: cwebp: %w: %s", err, stderr.String())
	}
	return nil
}

// FileToWebP reads src, converts it to WebP, and writes the result to
// dst.
func (e *Encoder) FileToWebP(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	im, _, err := Decode(in, 0)
	if err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	return e.ToWebP(im, out)
}

// hasAlpha reports whether im's color model carries transparency.
func hasAlpha(im image.Image) bool {
	switch im.ColorModel() {
	case color.RGBAModel, color.NRGBAModel, color.Alpha16Model, color.AlphaModel:
		return true
	}
	bounds := im.Bounds()
	if bounds.Empty() {
		return false
	}
	_, _, _, a := im.At(bounds.Min.X, bounds.Min.Y).RGBA()
	return a != 0xffff
}

// normalizeColorModel converts im to RGBA when it carries an alpha
// channel and to a plain RGB-equivalent (still represented as an
// image.RGBA with a fully opaque alpha) otherwise.
func normalizeColorModel(im image.Image) image.Image {
	bounds := im.Bounds()
	alpha := hasAlpha(im)
	dst := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := im.At(x, y).RGBA()
			if !alpha {
				a = 0xffff
			}
			dst.Set(x, y, color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: uint16(a)})
		}
	}
	return dst
}
