// Package mediaid derives the opaque remote object identifiers the media
// tier stores attachments under. Ids are keyed off the account backup key
// so they rotate with it; reconciliation rebuilds its local map from
// scratch each pass for exactly that reason.
package mediaid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Deriver computes media ids for the fullsize and thumbnail variants.
type Deriver struct {
	fullsizeKey  []byte
	thumbnailKey []byte
}

// NewDeriver expands the backup key into the per-variant id keys.
func NewDeriver(backupKeyHex string) (*Deriver, error) {
	secret, err := hex.DecodeString(backupKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode backup key: %w", err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("backup key too short: %d bytes", len(secret))
	}

	fullsizeKey, err := expand(secret, "attachsync/media-id/fullsize")
	if err != nil {
		return nil, err
	}
	thumbnailKey, err := expand(secret, "attachsync/media-id/thumbnail")
	if err != nil {
		return nil, err
	}

	return &Deriver{fullsizeKey: fullsizeKey, thumbnailKey: thumbnailKey}, nil
}

func expand(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// MediaID returns the remote object id for one variant of a media name.
func (d *Deriver) MediaID(mediaName string, thumbnail bool) string {
	key := d.fullsizeKey
	if thumbnail {
		key = d.thumbnailKey
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(mediaName))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
