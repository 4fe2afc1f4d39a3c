// utils/unzip.go
package utils

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"besitos-engine/services"
)

// ZipTemplateSource reads template YAML files out of a zip bundle held in memory.
// Nothing is extracted to disk.
type ZipTemplateSource struct {
	Data []byte
}

// OpenZipTemplateSource loads a bundle from the local filesystem.
func OpenZipTemplateSource(file string) (*ZipTemplateSource, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return &ZipTemplateSource{Data: data}, nil
}

func (z *ZipTemplateSource) Files(context.Context) ([]services.TemplateFile, error) {
	r, err := zip.NewReader(bytes.NewReader(z.Data), int64(len(z.Data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("illegal file path in template bundle: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("open template bundle: %w", err)
	}

	var out []services.TemplateFile
	for _, f := range r.File {
		name := path.Clean(f.Name)
		if f.FileInfo().IsDir() || strings.HasPrefix(name, "__MACOSX/") || !services.IsTemplateFile(name) {
			continue
		}
		// ✅ Security: reject entries that try to climb out of the bundle
		if strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return nil, fmt.Errorf("illegal file path: %s", f.Name)
		}
		if f.UncompressedSize64 > maxTemplateSize {
			return nil, fmt.Errorf("template %s exceeds %d bytes", name, maxTemplateSize)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxTemplateSize+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if len(data) > maxTemplateSize {
			return nil, fmt.Errorf("template %s exceeds %d bytes", name, maxTemplateSize)
		}
		out = append(out, services.TemplateFile{Name: name, Data: data})
	}
	return out, nil
}
