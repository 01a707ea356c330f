package storage

import (
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// KeyTimeFormat is the timestamp layout embedded in object keys.
const KeyTimeFormat = "2006-01-02T15:04:05.000Z"

// ObjectKey builds the canonical key {type}/{project}/{name}-{timestamp}.{ext}.
// Segments are sanitized so that separators and dot segments in
// caller-supplied values cannot change the key's structure.
func ObjectKey(reportType, project, name string, ts time.Time, ext string) string {
	base := SanitizeSegment(name) + "-" + ts.UTC().Format(KeyTimeFormat)
	if ext != "" {
		base += "." + SanitizeSegment(ext)
	}

	return SanitizeSegment(reportType) + "/" + SanitizeSegment(project) + "/" + base
}

// SanitizeSegment replaces path separators with underscores and maps
// empty, "." and ".." segments to "_".
func SanitizeSegment(s string) string {
	s = strings.NewReplacer("/", "_", `\`, "_").Replace(s)

	switch strings.TrimSpace(s) {
	case "", ".", "..":
		return "_"
	}

	return s
}

// ObjectURL returns the external URL {publicURL}/{bucket}/{key} with each
// key segment escaped.
func ObjectURL(publicURL, bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.TrimRight(publicURL, "/") + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// KeyFromURL recovers the object key from a URL built by ObjectURL. URLs
// with a different origin are resolved by dropping the bucket segment from
// the URL path.
func KeyFromURL(publicURL, bucket, rawURL string) (string, error) {
	prefix := strings.TrimRight(publicURL, "/") + "/" + url.PathEscape(bucket) + "/"

	var escaped string

	if publicURL != "" && strings.HasPrefix(rawURL, prefix) {
		escaped = strings.TrimPrefix(rawURL, prefix)
	} else {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("parsing object url: %w", err)
		}

		p := strings.TrimPrefix(u.EscapedPath(), "/")

		bucketPrefix := url.PathEscape(bucket) + "/"
		if idx := strings.Index(p, bucketPrefix); idx >= 0 {
			p = p[idx+len(bucketPrefix):]
		}

		escaped = p
	}

	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("unescaping object key: %w", err)
	}

	if key == "" {
		return "", fmt.Errorf("object url %q has no key", rawURL)
	}

	return key, nil
}

// DetectContentType returns a MIME type based on file extension.
func DetectContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))

	switch ext {
	case "":
		return "application/octet-stream"
	case ".zip":
		return "application/zip"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
