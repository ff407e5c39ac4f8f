package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamAuthData is one authorization record. The triple
// {StreamKey, ClientID, AuthToken} identifies exactly one principal.
type StreamAuthData struct {
	StreamKey    string            `json:"stream_key"`
	ClientID     string            `json:"client_id"`
	AuthToken    string            `json:"auth_token"`
	IsAuthorized bool              `json:"is_authorized"`
	ExpireTime   *time.Time        `json:"expire_time,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Matches reports whether this record belongs to the requesting
// principal. A cached record failing this check must never be served.
func (a *StreamAuthData) Matches(streamKey, clientID, authToken string) bool {
	return a.StreamKey == streamKey && a.ClientID == clientID && a.AuthToken == authToken
}

// Encode serializes the record for cache storage.
func (a *StreamAuthData) Encode() (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode auth data: %w", err)
	}
	return string(raw), nil
}

// DecodeAuthData parses a cached record. A record with an empty stream
// key is invalid.
func DecodeAuthData(raw string) (*StreamAuthData, error) {
	var data StreamAuthData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode auth data: %w", err)
	}
	if data.StreamKey == "" {
		return nil, fmt.Errorf("decode auth data: empty stream key")
	}
	return &data, nil
}
