// Package manifest defines the file manifest entries fed to the
// download engine and the URL utilities they depend on: signed-URL
// expiry parsing, extension-based content type inference, and the
// refresh rule for re-signed origin URLs.
package manifest

import (
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/xibo-players/mediacache/pkg/store"
)

// ExpiryParam is the query parameter carrying a signed URL's absolute
// expiry in epoch seconds.
const ExpiryParam = "X-Amz-Expires"

// FileInfo is one manifest entry: a file the player must have cached.
type FileInfo struct {
	// Type is one of media, layout, widget, static.
	Type store.Type `json:"type"`

	// ID identifies the file; widget ids are layoutId/regionId/mediaId
	// paths.
	ID string `json:"id"`

	// Size in bytes as declared by the manifest; 0 means unknown.
	Size int64 `json:"size,omitempty"`

	// MD5 is the integrity hint supplied by the manifest.
	MD5 string `json:"md5,omitempty"`

	// Path is the absolute URL at the remote origin, possibly signed.
	Path string `json:"path"`

	// IsGetData marks widget-data files, which have slower retry and
	// bounded re-enqueue semantics.
	IsGetData bool `json:"isGetData,omitempty"`

	// SkipChunks holds chunk indexes already cached, used to resume.
	SkipChunks map[int]bool `json:"skipChunks,omitempty"`
}

// StoreKey returns the store key for this entry.
func (f FileInfo) StoreKey() store.Key {
	return store.Key{Type: f.Type, ID: f.ID}
}

// StableKey returns the "type/id" identity used for queue dedup.
func (f FileInfo) StableKey() string {
	return f.StoreKey().String()
}

// SignedURLExpiry parses the absolute expiry of a signed URL. The
// second return is false when the URL carries no expiry.
func SignedURLExpiry(rawurl string) (time.Time, bool) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return time.Time{}, false
	}
	v := u.Query().Get(ExpiryParam)
	if v == "" {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Expired reports whether a signed URL is within grace of its expiry at
// now. Unsigned URLs never expire.
func Expired(rawurl string, now time.Time, grace time.Duration) bool {
	expiry, ok := SignedURLExpiry(rawurl)
	if !ok {
		return false
	}
	return !now.Before(expiry.Add(-grace))
}

// RefreshPath chooses between a file's current path and a freshly
// delivered candidate, keeping whichever signed URL expires later. An
// unsigned candidate always wins (it cannot expire).
func RefreshPath(current, candidate string) string {
	if candidate == "" {
		return current
	}
	if current == "" {
		return candidate
	}
	candExpiry, candSigned := SignedURLExpiry(candidate)
	if !candSigned {
		return candidate
	}
	curExpiry, curSigned := SignedURLExpiry(current)
	if !curSigned {
		return current
	}
	if candExpiry.After(curExpiry) {
		return candidate
	}
	return current
}

// contentTypes maps lowercase file extensions to MIME types for the
// cases where the HEAD probe is skipped.
var contentTypes = map[string]string{
	".mp4":   "video/mp4",
	".m4v":   "video/mp4",
	".webm":  "video/webm",
	".mov":   "video/quicktime",
	".avi":   "video/x-msvideo",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".png":   "image/png",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".mp3":   "audio/mpeg",
	".wav":   "audio/wav",
	".ogg":   "audio/ogg",
	".css":   "text/css",
	".js":    "application/javascript",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".xml":   "text/xml",
	".xlf":   "text/xml",
	".html":  "text/html",
	".htm":   "text/html",
	".json":  "application/json",
}

// extensionOrder fixes the scan order for the substring fallback below.
var extensionOrder = []string{
	".mp4", ".m4v", ".webm", ".mov", ".avi",
	".jpeg", ".jpg", ".png", ".gif", ".webp", ".svg",
	".mp3", ".wav", ".ogg",
	".css", ".js", ".woff2", ".woff", ".ttf", ".otf",
	".xml", ".xlf", ".html", ".htm", ".json",
}

// InferContentType guesses a MIME type from the extension of the final
// path segment of rawurl. Signed CMS URLs often bury the filename in a
// query parameter, so when the path itself has no known extension the
// whole URL is scanned for one.
func InferContentType(rawurl string) string {
	p := rawurl
	if u, err := url.Parse(rawurl); err == nil && u.Path != "" {
		p = u.Path
	} else if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if ct, ok := contentTypes[strings.ToLower(path.Ext(p))]; ok {
		return ct
	}
	lower := strings.ToLower(rawurl)
	for _, ext := range extensionOrder {
		if strings.Contains(lower, ext) {
			return contentTypes[ext]
		}
	}
	return "application/octet-stream"
}
