package sync

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SizeHash computes the name+size+mime composite hash used for basic
// duplicate detection. Unlike the content hash it never requires reading file
// content, so it is always computable from a bare listing entry.
func SizeHash(name string, size int64, mimeType string) string {
	if name == "" {
		return ""
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%d_%s", strings.ToLower(name), size, mimeType)))
	return hex.EncodeToString(sum[:])
}

// ContentHash computes the SHA256 hash of content bytes.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FileExtension extracts the lowercase extension from a filename, without
// the leading dot.
func FileExtension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
