package domain

import (
	"strings"
)

// Source references the content of a job: either a magnet URI or a path to a
// local metafile. Exactly one must be set.
type Source struct {
	Magnet   string `json:"magnet,omitempty"`
	Metafile string `json:"metafile,omitempty"`
}

func MagnetSource(uri string) Source { return Source{Magnet: strings.TrimSpace(uri)} }

func MetafileSource(path string) Source { return Source{Metafile: strings.TrimSpace(path)} }

// ParseSource accepts either a magnet URI or a filesystem path.
func ParseSource(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Source{}, ErrInvalidSource
	}
	if strings.HasPrefix(strings.ToLower(ref), "magnet:") {
		return MagnetSource(ref), nil
	}
	return MetafileSource(ref), nil
}

func (s Source) IsMagnet() bool { return strings.TrimSpace(s.Magnet) != "" }

func (s Source) Validate() error {
	hasMagnet := strings.TrimSpace(s.Magnet) != ""
	hasFile := strings.TrimSpace(s.Metafile) != ""
	if hasMagnet == hasFile {
		return ErrInvalidSource
	}
	if hasMagnet && !strings.HasPrefix(strings.ToLower(strings.TrimSpace(s.Magnet)), "magnet:") {
		return ErrInvalidSource
	}
	return nil
}

// Key identifies the source for command sequencing. Two descriptors that
// reference the same content share a key and are admitted one after another.
func (s Source) Key() string {
	if s.IsMagnet() {
		if h := InfoHashFromMagnet(s.Magnet); h != "" {
			return "admit:" + string(h)
		}
		return "admit:" + strings.TrimSpace(s.Magnet)
	}
	return "admit:" + strings.TrimSpace(s.Metafile)
}

func (s Source) String() string {
	if s.IsMagnet() {
		return s.Magnet
	}
	return s.Metafile
}

// InfoHashFromMagnet extracts the btih value of a magnet URI in lower case.
// It returns an empty id when none is present.
func InfoHashFromMagnet(magnet string) JobID {
	magnet = strings.TrimSpace(magnet)
	lower := strings.ToLower(magnet)
	idx := strings.Index(lower, "xt=urn:btih:")
	if idx == -1 {
		return ""
	}
	rest := lower[idx+len("xt=urn:btih:"):]
	if end := strings.Index(rest, "&"); end != -1 {
		rest = rest[:end]
	}
	return JobID(rest)
}
