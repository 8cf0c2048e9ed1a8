package download

import (
	"net/url"
	"strconv"
	"strings"
)

// RewriteOptions carries the store-tee parameters appended to a
// proxied file URL.
type RewriteOptions struct {
	StoreKey   string
	MD5        string
	ChunkIndex int // -1 for whole-file fetches
	NumChunks  int
	ChunkSize  int64
}

// RewriteURL rewrites an absolute CMS URL into a local /file-proxy URL
// so the proxy can tee the bytes into the store. It is a pure function
// of its inputs:
//
//   - URLs on the CMS origin are rewritten to
//     /file-proxy?cms=<origin>&url=<path+query>&… on the local host.
//   - Absolute URLs on any other origin pass through unchanged.
//   - When localHost is empty there is no proxy to route through and
//     the URL passes through unchanged.
func RewriteURL(raw, localHost, cmsOrigin string, opts RewriteOptions) string {
	if localHost == "" || cmsOrigin == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	origin, err := url.Parse(cmsOrigin)
	if err != nil {
		return raw
	}
	if u.IsAbs() && !strings.EqualFold(u.Host, origin.Host) {
		return raw
	}

	pathq := u.EscapedPath()
	if u.RawQuery != "" {
		pathq += "?" + u.RawQuery
	}

	q := url.Values{}
	q.Set("cms", origin.Scheme+"://"+origin.Host)
	q.Set("url", pathq)
	if opts.StoreKey != "" {
		q.Set("storeKey", opts.StoreKey)
	}
	if opts.MD5 != "" {
		q.Set("md5", opts.MD5)
	}
	if opts.ChunkIndex >= 0 {
		q.Set("chunkIndex", strconv.Itoa(opts.ChunkIndex))
		q.Set("numChunks", strconv.Itoa(opts.NumChunks))
		q.Set("chunkSize", strconv.FormatInt(opts.ChunkSize, 10))
	}

	scheme := "http"
	return scheme + "://" + localHost + "/file-proxy?" + q.Encode()
}
