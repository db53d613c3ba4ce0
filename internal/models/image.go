// Package models provides data model definitions for PixMirror.
package models

import (
	"encoding/json"
	"time"
)

// PageDimension holds the size of one page of a multi-page image.
type PageDimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImageRecord is the canonical unit of synchronization. The UUID is
// immutable and unique for the record's whole lifetime, including after
// logical deletion.
type ImageRecord struct {
	UUID           UUID            `db:"uuid" json:"uuid"`
	Filename       string          `db:"filename" json:"filename"`
	FileSize       int64           `db:"file_size" json:"file_size"`
	Format         string          `db:"format" json:"format"`
	Width          int             `db:"width" json:"width"`
	Height         int             `db:"height" json:"height"`
	MIMEType       string          `db:"mime_type" json:"mime_type"`
	Hash           string          `db:"hash" json:"hash,omitempty"`
	IsCorrupted    bool            `db:"is_corrupted" json:"is_corrupted"`
	PageCount      int             `db:"page_count" json:"page_count"`
	PageDimensions []PageDimension `db:"page_dimensions" json:"page_dimensions,omitempty"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	UpdatedAt      int64           `db:"updated_at" json:"updated_at"`
	DeletedAt      int64           `db:"deleted_at" json:"deleted_at,omitempty"` // 0 = live, non-zero = tombstone
}

// TableName returns the table name for ImageRecord.
func (ImageRecord) TableName() string {
	return "images"
}

// IsDeleted reports whether the record is a tombstone.
func (r *ImageRecord) IsDeleted() bool {
	return r.DeletedAt != 0
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *ImageRecord) CreatedAtTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *ImageRecord) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}

// Touch updates the UpdatedAt timestamp.
func (r *ImageRecord) Touch() {
	r.UpdatedAt = time.Now().Unix()
}

// MarshalPageDimensions serializes the page dimension list for storage.
// Page dimensions are structured in business logic and become JSON only
// at the storage boundary.
func (r *ImageRecord) MarshalPageDimensions() (string, error) {
	if len(r.PageDimensions) == 0 {
		return "", nil
	}
	data, err := json.Marshal(r.PageDimensions)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalPageDimensions restores the page dimension list from storage.
func (r *ImageRecord) UnmarshalPageDimensions(data string) error {
	if data == "" {
		r.PageDimensions = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &r.PageDimensions)
}
