// Package models provides data model definitions for PixMirror.
package models

import (
	"encoding/json"
	"time"
)

// ExtendedMetadata is the optional 1:1 companion of an ImageRecord, keyed
// by the same UUID. Writes are upserts; it has no independent lifecycle and
// is treated as absent once its owning image is tombstoned.
type ExtendedMetadata struct {
	ImageUUID    UUID              `db:"uuid" json:"uuid"`
	CameraMake   string            `db:"camera_make" json:"camera_make,omitempty"`
	CameraModel  string            `db:"camera_model" json:"camera_model,omitempty"`
	LensModel    string            `db:"lens_model" json:"lens_model,omitempty"`
	ISO          int               `db:"iso" json:"iso,omitempty"`
	Aperture     float64           `db:"aperture" json:"aperture,omitempty"`
	ShutterSpeed string            `db:"shutter_speed" json:"shutter_speed,omitempty"`
	FocalLength  float64           `db:"focal_length" json:"focal_length,omitempty"`
	Orientation  int               `db:"orientation" json:"orientation,omitempty"`
	Latitude     float64           `db:"latitude" json:"latitude,omitempty"`
	Longitude    float64           `db:"longitude" json:"longitude,omitempty"`
	CapturedAt   int64             `db:"captured_at" json:"captured_at,omitempty"`
	Extra        map[string]string `db:"extra" json:"extra,omitempty"`
}

// TableName returns the table name for ExtendedMetadata.
func (ExtendedMetadata) TableName() string {
	return "image_metadata"
}

// CapturedAtTime returns CapturedAt as time.Time.
func (m *ExtendedMetadata) CapturedAtTime() time.Time {
	return time.Unix(m.CapturedAt, 0)
}

// MarshalExtra serializes the free-form key/value map for storage.
func (m *ExtendedMetadata) MarshalExtra() (string, error) {
	if len(m.Extra) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m.Extra)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalExtra restores the free-form key/value map from storage.
func (m *ExtendedMetadata) UnmarshalExtra(data string) error {
	if data == "" {
		m.Extra = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &m.Extra)
}
