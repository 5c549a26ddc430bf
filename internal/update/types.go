// Package update holds the shared data model for the publish pipeline and
// the manifest serving protocol: updates, their platform assets, and the
// content-addressed files they reference.
package update

import (
	"encoding/json"
	"time"
)

// Platform is a client platform an asset is scoped to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ParsePlatform validates a request-supplied platform string.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(s) {
	case PlatformIOS:
		return PlatformIOS, true
	case PlatformAndroid:
		return PlatformAndroid, true
	default:
		return "", false
	}
}

// Type distinguishes a normal release from a rollback instruction.
type Type string

const (
	TypeNormal   Type = "normal"
	TypeRollback Type = "rollback-to-embedded"
)

// Update is one logical release. CreatedAt nil means draft; a non-nil
// CreatedAt means the update is published and immutable.
type Update struct {
	UpdateID       string
	RuntimeVersion string
	Version        string
	Config         json.RawMessage
	Type           Type
	CreatedAt      *time.Time
}

// Published reports whether the update has left the draft state.
func (u Update) Published() bool {
	return u.CreatedAt != nil
}

// Asset links an update to a content-addressed file for one platform.
// Exactly one asset per (update, platform) pair has LaunchAsset set.
type Asset struct {
	UpdateID    string
	FileID      string
	Platform    Platform
	LaunchAsset bool
}

// File is one content-addressed blob. Verified is set only after the blob
// has been confirmed present in blob storage. Presigned records when an
// upload URL was last issued; it is diagnostic, not authoritative.
type File struct {
	FileID    string
	Verified  bool
	Presigned *time.Time
}
