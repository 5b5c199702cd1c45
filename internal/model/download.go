package model

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// DownloadRecord is the persistent index entry of a downloaded attachment.
// A record is only valid while its backing file exists on disk.
type DownloadRecord struct {
	// ID is FileID(EventID, DownloadURL).
	ID             string
	EventID        string
	DownloadURL    string
	RemoteFilename string
	// LocalName is the file name inside the downloads directory.
	LocalName string
	// SizeBytes is the measured size, nil when it could not be determined.
	SizeBytes      *int64
	DownloadedAt   time.Time
	EventTimestamp time.Time
}

// FileID derives the dedup and lookup key of an attachment. The same
// event/url pair always maps to the same key.
func FileID(eventID, downloadURL string) string {
	return eventID + "_" + LastPathSegment(downloadURL)
}

// LastPathSegment returns the final path element of rawURL, or rawURL
// itself when it has no usable path.
func LastPathSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return rawURL
	}
	return path.Base(p)
}

// SanitizeFilename replaces characters that are unsafe in local file names.
func SanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

// LocalNameFor returns the on-disk file name for an attachment. The result
// never contains a path separator.
func LocalNameFor(eventID, downloadURL string) string {
	return SanitizeFilename(eventID + "_" + LastPathSegment(downloadURL))
}
