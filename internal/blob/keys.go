// Package blob builds and validates object storage keys and uploaded file
// content for project attachments. The service itself never stores the
// bytes; it validates uploads and records their keys in project documents.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	// MaxPDFBytes bounds accepted study PDF uploads.
	MaxPDFBytes = 50 << 20

	pdfContentType = "application/pdf"
)

var (
	ErrEmptyFile         = errors.New("blob: file is empty")
	ErrFileTooLarge      = errors.New("blob: file exceeds size limit")
	ErrNotPDF            = errors.New("blob: file is not a PDF")
	ErrInvalidKeySegment = errors.New("blob: invalid key segment")
)

// pdfMagic is the %PDF- marker every PDF starts with.
var pdfMagic = []byte("%PDF-")

// StudyPDFKey builds the object key for a study attachment:
// projects/{projectID}/studies/{studyID}/{fileName}.
func StudyPDFKey(projectID, studyID, fileName string) (string, error) {
	for _, segment := range []string{projectID, studyID, fileName} {
		if err := validateSegment(segment); err != nil {
			return "", err
		}
	}
	return path.Join("projects", projectID, "studies", studyID, fileName), nil
}

// AvatarKey builds the object key for a user avatar:
// avatars/{userID}/{unixSeconds}.{ext}. The extension is taken from the
// uploaded file name and defaults to png.
func AvatarKey(userID, fileName string, uploadedAt time.Time) (string, error) {
	if err := validateSegment(userID); err != nil {
		return "", err
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	if ext == "" {
		ext = "png"
	}
	name := fmt.Sprintf("%d.%s", uploadedAt.UTC().Unix(), ext)
	return path.Join("avatars", userID, name), nil
}

// ValidatePDF checks size bounds, the declared content type, and the
// leading magic bytes of an uploaded study PDF.
func ValidatePDF(content []byte, contentType string) error {
	if len(content) == 0 {
		return ErrEmptyFile
	}
	if len(content) > MaxPDFBytes {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(content))
	}
	declared := strings.TrimSpace(strings.ToLower(contentType))
	if declared != "" && declared != pdfContentType {
		return fmt.Errorf("%w: declared content type %q", ErrNotPDF, contentType)
	}
	if !bytes.HasPrefix(content, pdfMagic) {
		return fmt.Errorf("%w: missing magic bytes", ErrNotPDF)
	}
	return nil
}

// validateSegment rejects segments that are empty or could escape the key
// prefix when joined.
func validateSegment(segment string) error {
	trimmed := strings.TrimSpace(segment)
	if trimmed == "" || trimmed != segment {
		return fmt.Errorf("%w: %q", ErrInvalidKeySegment, segment)
	}
	if strings.ContainsAny(segment, "/\\") || segment == "." || segment == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKeySegment, segment)
	}
	if strings.Contains(segment, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKeySegment, segment)
	}
	return nil
}
