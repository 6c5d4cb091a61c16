// Package store persists the broker's small local dataset under
// FT_API_DATA_PATH: per-experience display colors and the most recent good
// controller snapshots, which let the catalog endpoints serve stale data
// while the controller restarts.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Colors is the display palette for one experience.
type Colors struct {
	Primary        string `json:"primary"`
	SecondaryLight string `json:"secondary_light"`
	SecondaryDark  string `json:"secondary_dark"`
}

// DefaultColors is used for experiences with no palette on record.
var DefaultColors = Colors{
	Primary:        "#212121",
	SecondaryLight: "#fafafa",
	SecondaryDark:  "#252525",
}

// Store is the persistence surface used by the controller facade.
type Store interface {
	Migrate(ctx context.Context) error

	// ImportColorsFile loads a colors.json palette map into the store.
	// A missing file is not an error; palettes are optional.
	ImportColorsFile(ctx context.Context, path string) error
	Colors(ctx context.Context, experienceID string) (Colors, error)
	AllColors(ctx context.Context) (map[string]Colors, error)

	// PutSnapshot saves the latest good payload for a controller endpoint.
	PutSnapshot(ctx context.Context, endpoint string, payload []byte) error
	// Snapshot returns the saved payload and when it was fetched.
	Snapshot(ctx context.Context, endpoint string) ([]byte, time.Time, error)

	Close() error
}
