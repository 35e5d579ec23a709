package scm

import (
	"bytes"

	"github.com/h2non/filetype"
)

// DetectFileType chooses the Perforce type for a new file from its content.
// Already compressed formats are stored uncompressed (binary+F).
func DetectFileType(content []byte) FileType {
	l := len(content)
	if l > 261 {
		l = 261
	}
	head := content[:l]
	if filetype.IsImage(head) || filetype.IsVideo(head) || filetype.IsArchive(head) || filetype.IsAudio(head) {
		return UBinary
	}
	if filetype.IsDocument(head) {
		return Binary
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return Binary
	}
	return UText
}
