package manifest

import (
	"fmt"
	"testing"
	"time"

	"github.com/xibo-players/mediacache/pkg/store"
)

func TestSignedURLExpiry(t *testing.T) {
	testCases := []struct {
		name     string
		url      string
		wantOK   bool
		wantUnix int64
	}{
		{"signed", "https://cms/api/file?id=12&X-Amz-Expires=1700000000", true, 1700000000},
		{"unsigned", "https://cms/api/file?id=12", false, 0},
		{"garbage expiry", "https://cms/file?X-Amz-Expires=soon", false, 0},
		{"zero expiry", "https://cms/file?X-Amz-Expires=0", false, 0},
		{"unparseable url", "://not-a-url", false, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			expiry, ok := SignedURLExpiry(tc.url)
			if ok != tc.wantOK {
				t.Fatalf("wrong ok: got %v, want %v", ok, tc.wantOK)
			}
			if ok && expiry.Unix() != tc.wantUnix {
				t.Errorf("wrong expiry: got %d, want %d", expiry.Unix(), tc.wantUnix)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	grace := 30 * time.Second
	signed := func(unix int64) string {
		return fmt.Sprintf("https://cms/file?X-Amz-Expires=%d", unix)
	}

	testCases := []struct {
		name string
		url  string
		want bool
	}{
		{"fresh", signed(1700000100), false},
		{"inside grace", signed(1700000020), true},
		{"exactly at grace boundary", signed(1700000030), true},
		{"just outside grace", signed(1700000031), false},
		{"already past", signed(1699999000), true},
		{"unsigned never expires", "https://cms/file?id=1", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Expired(tc.url, now, grace); got != tc.want {
				t.Errorf("Expired(%s) = %v, want %v", tc.url, got, tc.want)
			}
		})
	}
}

func TestRefreshPath(t *testing.T) {
	early := "https://cms/file?X-Amz-Expires=1700000000"
	late := "https://cms/file?X-Amz-Expires=1800000000"
	unsigned := "https://cms/file"

	testCases := []struct {
		name      string
		current   string
		candidate string
		want      string
	}{
		{"later candidate wins", early, late, late},
		{"earlier candidate loses", late, early, late},
		{"unsigned candidate wins", late, unsigned, unsigned},
		{"unsigned current kept over signed", unsigned, early, unsigned},
		{"empty candidate keeps current", early, "", early},
		{"empty current takes candidate", "", early, early},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RefreshPath(tc.current, tc.candidate); got != tc.want {
				t.Errorf("RefreshPath = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInferContentType(t *testing.T) {
	testCases := []struct {
		url  string
		want string
	}{
		{"https://cms/media/clip.mp4", "video/mp4"},
		{"https://cms/media/photo.JPG", "image/jpeg"},
		{"https://cms/media/photo.jpeg?X-Amz-Expires=99", "image/jpeg"},
		{"https://cms/layout/5.xlf", "text/xml"},
		{"https://cms/static/app.css", "text/css"},
		{"https://cms/static/app.js", "application/javascript"},
		{"https://cms/static/face.woff2", "font/woff2"},
		{"https://cms/api/file?name=intro.mp4", "video/mp4"},
		{"https://cms/api/file?id=12", "application/octet-stream"},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			if got := InferContentType(tc.url); got != tc.want {
				t.Errorf("InferContentType(%q) = %q, want %q", tc.url, got, tc.want)
			}
		})
	}
}

func TestFileInfoKeys(t *testing.T) {
	fi := FileInfo{Type: store.TypeWidget, ID: "7/r/55"}
	if got := fi.StableKey(); got != "widget/7/r/55" {
		t.Errorf("wrong stable key: %q", got)
	}
	if got := fi.StoreKey(); got.Type != store.TypeWidget || got.ID != "7/r/55" {
		t.Errorf("wrong store key: %+v", got)
	}
}
