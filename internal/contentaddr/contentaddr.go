// Package contentaddr derives stable identifiers for update content.
//
// A file is addressed as "{key}.{hash}.{ext}" where key is the lowercase
// hex MD5 of the bytes and hash is the URL-safe unpadded base64 SHA-256.
// Identical bytes therefore always map to the same file id regardless of
// path or platform, which is what makes cross-update dedup work.
package contentaddr

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedFileID = errors.New("contentaddr: malformed file id")

// FileID computes the content address for raw file bytes.
func FileID(data []byte, ext string) string {
	key, hash := Digests(data)
	return Make(key, hash, ext)
}

// Digests computes the two digest components of a file id: the lowercase
// hex MD5 key and the URL-safe unpadded base64 SHA-256 hash.
func Digests(data []byte) (key, hash string) {
	sum := sha256.Sum256(data)
	hash = base64.RawURLEncoding.EncodeToString(sum[:])
	keySum := md5.Sum(data)
	key = hex.EncodeToString(keySum[:])
	return key, hash
}

// Make assembles a file id from digests the submitter already computed.
// The server trusts these values; it never sees the bytes themselves.
func Make(key, hash, ext string) string {
	return key + "." + hash + "." + ext
}

// Split breaks a file id back into its key, hash, and extension parts.
func Split(fileID string) (key, hash, ext string, err error) {
	parts := strings.SplitN(fileID, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformedFileID, fileID)
	}
	return parts[0], parts[1], parts[2], nil
}

// Ext returns the extension part of a file id, or "" if malformed.
func Ext(fileID string) string {
	_, _, ext, err := Split(fileID)
	if err != nil {
		return ""
	}
	return ext
}

// mimeTypes covers the extensions an exported update bundle actually
// contains. Anything else falls back to application/octet-stream.
var mimeTypes = map[string]string{
	"bmp":   "image/bmp",
	"css":   "text/css",
	"gif":   "image/gif",
	"htm":   "text/html",
	"html":  "text/html",
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"js":    "application/javascript",
	"json":  "application/json",
	"map":   "application/json",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"otf":   "font/otf",
	"png":   "image/png",
	"svg":   "image/svg+xml",
	"tif":   "image/tiff",
	"tiff":  "image/tiff",
	"ttf":   "font/ttf",
	"txt":   "text/plain",
	"wav":   "audio/wav",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xml":   "application/xml",
}

// ContentType maps a file extension to the MIME type served in manifests
// and stamped on presigned uploads. The "bundle" extension is always the
// JS launch bundle, independent of any generic extension table.
func ContentType(ext string) string {
	if ext == "bundle" {
		return "application/javascript"
	}
	if ct, ok := mimeTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// UpdateID derives the deterministic update identifier from the submitted
// metadata document. The JSON is compacted first so that resubmissions of
// the same logical document hash identically, then the SHA-256 hex digest
// is rendered in UUID form because that is the shape clients echo back in
// expo-current-update-id.
func UpdateID(metadata json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, metadata); err != nil {
		return "", fmt.Errorf("contentaddr: compact metadata: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hashToUUID(hex.EncodeToString(sum[:])), nil
}

func hashToUUID(hexDigest string) string {
	return hexDigest[0:8] + "-" + hexDigest[8:12] + "-" + hexDigest[12:16] + "-" +
		hexDigest[16:20] + "-" + hexDigest[20:32]
}
