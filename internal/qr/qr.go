// Package qr renders pairing codes to PNG files under a publicly served directory.
package qr

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

const defaultSize = 256

// Renderer writes <Dir>/qr_<channelId>.png and returns <URLPrefix>/qr_<channelId>.png.
type Renderer struct {
	Dir       string
	URLPrefix string
	Size      int
}

// Render encodes code as a QR image, overwriting any previous image for the channel.
func (r *Renderer) Render(channelID uuid.UUID, code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty qr code")
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create qr dir: %w", err)
	}
	size := r.Size
	if size <= 0 {
		size = defaultSize
	}

	name := "qr_" + channelID.String() + ".png"
	tmp := filepath.Join(r.Dir, name+".tmp")
	if err := qrcode.WriteFile(code, qrcode.Medium, size, tmp); err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(r.Dir, name)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish qr: %w", err)
	}

	prefix := r.URLPrefix
	if prefix == "" {
		prefix = "/public"
	}
	return path.Join("/", strings.Trim(prefix, "/"), name), nil
}

// Remove deletes the channel's QR image, if any.
func (r *Renderer) Remove(channelID uuid.UUID) error {
	err := os.Remove(filepath.Join(r.Dir, "qr_"+channelID.String()+".png"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
