package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"visiongate/internal/model"
)

const (
	uploadField     = "file"
	multipartMemory = 8 << 20
	multipartSlack  = 1 << 20
)

// readUpload returns the bytes of the multipart field "file", rejecting
// missing, unnamed, empty and oversized uploads.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: upload exceeds %d bytes", model.ErrPayloadTooLarge, maxBytes)
		}
		return nil, fmt.Errorf("%w: no file part", model.ErrNoImage)
	}

	file, _, err := r.FormFile(uploadField)
	if err != nil {
		if r.MultipartForm != nil {
			if _, ok := r.MultipartForm.Value[uploadField]; ok {
				return nil, fmt.Errorf("%w: no file selected", model.ErrNoImage)
			}
		}
		return nil, fmt.Errorf("%w: no file part", model.ErrNoImage)
	}
	defer file.Close()

	reader := io.Reader(file)
	if maxBytes > 0 {
		reader = io.LimitReader(file, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", model.ErrPayloadTooLarge, maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", model.ErrNoImage)
	}
	return data, nil
}
