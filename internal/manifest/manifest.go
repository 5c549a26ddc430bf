// Package manifest builds the client-facing bodies of the update
// protocol: the update manifest itself and the rollback / no-update
// directives, plus the multipart packaging both are served in.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/overair/overair/internal/contentaddr"
	"github.com/overair/overair/internal/update"
)

var (
	ErrInvalidConfig  = errors.New("manifest: invalid config")
	ErrLaunchAsset    = errors.New("manifest: platform must have exactly one launch asset")
	ErrNotPublished   = errors.New("manifest: update is not published")
	ErrMalformedAsset = errors.New("manifest: malformed asset file id")
)

const (
	DirectiveRollback = "rollback-to-embedded"
	DirectiveNoUpdate = "no-update-available"
)

// Asset is one entry of a served manifest. Hash and key are split back
// out of the stored file id; url points at the CDN copy of the blob.
type Asset struct {
	Hash          string `json:"hash"`
	Key           string `json:"key"`
	FileExtension string `json:"fileExtension"`
	ContentType   string `json:"contentType"`
	URL           string `json:"url"`
}

// Manifest is the JSON document describing one update to a client.
type Manifest struct {
	ID             string            `json:"id"`
	CreatedAt      string            `json:"createdAt"`
	RuntimeVersion string            `json:"runtimeVersion"`
	Assets         []Asset           `json:"assets"`
	LaunchAsset    Asset             `json:"launchAsset"`
	Metadata       map[string]string `json:"metadata"`
	Extra          Extra             `json:"extra"`
}

// Extra carries the publisher config verbatim under the expoClient key.
type Extra struct {
	ExpoClient json.RawMessage `json:"expoClient"`
}

// Directive is a non-manifest instruction to the client.
type Directive struct {
	Type       string               `json:"type"`
	Parameters *DirectiveParameters `json:"parameters,omitempty"`
}

type DirectiveParameters struct {
	CommitTime string `json:"commitTime"`
}

// Builder turns update records into manifests.
type Builder struct {
	cdnBaseURL string
}

func NewBuilder(cdnBaseURL string) (*Builder, error) {
	cdnBaseURL = strings.TrimRight(strings.TrimSpace(cdnBaseURL), "/")
	if cdnBaseURL == "" {
		return nil, fmt.Errorf("%w: cdn base url is required", ErrInvalidConfig)
	}
	return &Builder{cdnBaseURL: cdnBaseURL}, nil
}

// Build partitions the update's assets for one platform into the launch
// asset and the rest. Zero or multiple launch assets for the platform is
// a data integrity failure, not a servable state.
func (b *Builder) Build(u update.Update, assets []update.Asset, platform update.Platform) (Manifest, error) {
	if !u.Published() {
		return Manifest{}, ErrNotPublished
	}

	var (
		regular []Asset
		launch  []Asset
	)
	for _, a := range assets {
		if a.Platform != platform {
			continue
		}
		entry, err := b.assetEntry(a.FileID)
		if err != nil {
			return Manifest{}, err
		}
		if a.LaunchAsset {
			launch = append(launch, entry)
		} else {
			regular = append(regular, entry)
		}
	}
	if len(launch) != 1 {
		return Manifest{}, fmt.Errorf("%w: platform %s has %d", ErrLaunchAsset, platform, len(launch))
	}
	if regular == nil {
		regular = []Asset{}
	}

	return Manifest{
		ID:             u.UpdateID,
		CreatedAt:      u.CreatedAt.UTC().Format(time.RFC3339),
		RuntimeVersion: u.RuntimeVersion,
		Assets:         regular,
		LaunchAsset:    launch[0],
		Metadata:       map[string]string{},
		Extra:          Extra{ExpoClient: u.Config},
	}, nil
}

func (b *Builder) assetEntry(fileID string) (Asset, error) {
	key, hash, ext, err := contentaddr.Split(fileID)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrMalformedAsset, err)
	}
	return Asset{
		Hash:          hash,
		Key:           key,
		FileExtension: "." + ext,
		ContentType:   contentaddr.ContentType(ext),
		URL:           b.cdnBaseURL + "/" + fileID,
	}, nil
}

// Rollback builds the rollback-to-embedded directive for a published
// rollback update; commitTime is the publish timestamp.
func Rollback(u update.Update) (Directive, error) {
	if !u.Published() {
		return Directive{}, ErrNotPublished
	}
	return Directive{
		Type: DirectiveRollback,
		Parameters: &DirectiveParameters{
			CommitTime: u.CreatedAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// NoUpdate builds the no-update-available directive.
func NoUpdate() Directive {
	return Directive{Type: DirectiveNoUpdate}
}
