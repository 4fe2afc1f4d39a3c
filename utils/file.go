package utils

import (
	"fmt"
	"io"
	"mime/multipart"
)

// MaxBundleSize bounds an uploaded template bundle.
const MaxBundleSize = 16 << 20

// ReadUpload reads an uploaded multipart file into memory, refusing anything
// larger than limit.
func ReadUpload(fileHeader *multipart.FileHeader, limit int64) ([]byte, error) {
	if fileHeader.Size > limit {
		return nil, fmt.Errorf("upload %s is %d bytes, limit is %d", fileHeader.Filename, fileHeader.Size, limit)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("upload %s exceeds %d bytes", fileHeader.Filename, limit)
	}
	return data, nil
}
