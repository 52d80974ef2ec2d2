/*
Copyright 2012 Google Inc.

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

// Package images decodes any raster format the transfer pipeline might
// receive and hands back a Go image.Image ready for re-encoding to the
// canonical WebP output (see webp.go).
package images

import (
	"image"
	"io"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Config mirrors the standard library's image.Config, naming the
// decoded format alongside its dimensions.
type Config struct {
	Width, Height int
	Format        string
}

// ErrNotAnImage wraps any decode failure from Decode, matching the
// error_reason "not_image" the transfer engine surfaces on failure.
type ErrNotAnImage struct{ cause error }

func (e *ErrNotAnImage) Error() string { return "images: not_an_image: " + e.cause.Error() }
func (e *ErrNotAnImage) Unwrap() error { return e.cause }

// Decode reads up to maxBytes from r, decodes it as an image in any
// registered format, and returns the decoded image along with its
// config. maxBytes <= 0 means unlimited.
func Decode(r io.Reader, maxBytes int64) (image.Image, Config, error) {
	var c Config
	lr := r
	if maxBytes > 0 {
		lr = io.LimitReader(r, maxBytes)
	}
	im, format, err := image.Decode(lr)
	if err != nil {
		return nil, c, &ErrNotAnImage{cause: err}
	}
	c.Format = format
	c.Width = im.Bounds().Dx()
	c.Height = im.Bounds().Dy()
	return im, c, nil
}
