package models

import "time"

// Asset is the metadata record kept next to a committed blob. The blob
// itself is addressed by Hash.
type Asset struct {
	// Hash is the lowercase hex SHA-512 of the blob's content.
	Hash string `json:"hash"`
	// Size is the size of the blob in bytes.
	Size int64 `json:"size"`
	// CreatedAt is the first time this node committed the content.
	CreatedAt time.Time `json:"created_at"`
	// OriginalName is the filename given by the first uploader.
	OriginalName string `json:"original_name,omitempty"`
	// Extension is the lowercased extension of OriginalName, without the dot.
	Extension string `json:"extension,omitempty"`
	// MimeType is the declared content type of the first upload.
	MimeType string `json:"mime_type,omitempty"`
	// NodeID is the node that ingested the content.
	NodeID string `json:"node_id"`
}
