package scans

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// ImageRef is a registry image reference that always carries a tag or digest,
// e.g. 0123.dkr.ecr.us-west-2.amazonaws.com/app:1.2.
type ImageRef string

func (r ImageRef) String() string { return string(r) }

// Repository returns the reference without its tag or digest.
func (r ImageRef) Repository() string {
	s := string(r)
	if i := strings.Index(s, "@"); i >= 0 {
		return s[:i]
	}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		return s[:i]
	}
	return s
}

// NormalizeImageRef validates raw and appends the default tag when raw has
// neither a tag nor a digest.
func NormalizeImageRef(raw string) (ImageRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty image reference")
	}
	if _, err := name.ParseReference(raw); err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", raw, err)
	}
	if strings.Contains(raw, "@") {
		return ImageRef(raw), nil
	}
	if i := strings.LastIndex(raw, ":"); i > strings.LastIndex(raw, "/") {
		return ImageRef(raw), nil
	}
	return ImageRef(raw + ":" + name.DefaultTag), nil
}
