package domain

import (
	"time"
)

// File is the metadata record for one stored object. The payload itself lives
// in the object store under StoragePath; when IsEncrypted is set, WrappedKey
// holds the KMS-wrapped symmetric key for it.
type File struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	MimeType      string    `json:"mime_type"`
	StoragePath   string    `json:"-"`
	IsEncrypted   bool      `json:"is_encrypted"`
	WrappedKey    []byte    `json:"-"`
	Share         *SharePolicy `json:"share,omitempty"`
	DownloadCount int64     `json:"download_count"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// SharePolicy is the set of constraints governing anonymous access to one
// file. A file holds at most one active policy; re-sharing overwrites it.
// PasswordHash is an argon2id hash, never the cleartext secret.
type SharePolicy struct {
	ShareID      string     `json:"share_id"`
	IsPublic     bool       `json:"is_public"`
	PasswordHash string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// HasPassword reports whether the recipient must prove knowledge of a shared
// secret before download.
func (p *SharePolicy) HasPassword() bool {
	return p != nil && p.PasswordHash != ""
}

// Expired compares the policy's deadline against now. Absolute comparison, no
// grace period.
func (p *SharePolicy) Expired(now time.Time) bool {
	return p != nil && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

type UploadParams struct {
	OwnerID  string
	Name     string
	MimeType string
	Content  []byte
	Encrypt  bool
}

type ShareRequest struct {
	IsPublic  bool
	Password  string
	ExpiresAt *time.Time
}

// ShareLink is what the Share Link Authority hands back to the owner. The URL
// embeds only the share id; the password, if any, travels out of band.
type ShareLink struct {
	ShareID   string     `json:"share_id"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
