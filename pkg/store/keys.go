package store

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Type identifies the class of a stored entity.
type Type string

// Known entity types.
const (
	TypeMedia  Type = "media"
	TypeLayout Type = "layout"
	TypeWidget Type = "widget"
	TypeStatic Type = "static"
)

// legacyCacheMarker splits the old player cache URL form
// /player/<host>/cache/<type>/<id> from the modern type/id form.
const legacyCacheMarker = "/cache/"

// Key identifies one stored entity. The ID may contain slashes
// (widget ids are layoutId/regionId/mediaId paths).
type Key struct {
	Type Type
	ID   string
}

// String returns the canonical "type/id" form.
func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}

// IsZero reports whether the key is empty.
func (k Key) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// validType reports whether t is one of the four known entity types.
func validType(t Type) bool {
	switch t {
	case TypeMedia, TypeLayout, TypeWidget, TypeStatic:
		return true
	}
	return false
}

// ParseKey normalizes a raw key into a Key. It accepts the canonical
// "type/id" form and the legacy "/player/<host>/cache/type/id" form,
// NFC-normalizes the id, and rejects anything that would escape the
// store root.
func ParseKey(raw string) (Key, error) {
	s := raw
	if i := strings.Index(s, legacyCacheMarker); i >= 0 {
		s = s[i+len(legacyCacheMarker):]
	}
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return Key{}, NewInvalidKeyError(raw, fmt.Errorf("empty key"))
	}

	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Key{}, NewInvalidKeyError(raw, fmt.Errorf("expected type/id"))
	}

	t := Type(parts[0])
	if !validType(t) {
		return Key{}, NewInvalidKeyError(raw, fmt.Errorf("unknown type %q", parts[0]))
	}

	id := norm.NFC.String(parts[1])
	if err := checkID(id); err != nil {
		return Key{}, NewInvalidKeyError(raw, err)
	}

	return Key{Type: t, ID: id}, nil
}

// checkID rejects ids that could traverse out of the store root or that
// contain empty path segments.
func checkID(id string) error {
	if strings.ContainsRune(id, '\\') || strings.ContainsRune(id, 0) {
		return fmt.Errorf("illegal character in id")
	}
	for _, seg := range strings.Split(id, "/") {
		switch seg {
		case "":
			return fmt.Errorf("empty path segment")
		case ".", "..":
			return fmt.Errorf("relative path segment")
		}
	}
	// path.Clean must be a no-op on a sane id.
	if path.Clean(id) != id {
		return fmt.Errorf("non-canonical id path")
	}
	return nil
}
