package app

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// Cursor pins a (sort timestamp, id) tuple so pagination stays stable
// under concurrent mutation. LastSeen holds whichever timestamp the sort
// order uses.
type Cursor struct {
	LastSeen time.Time `json:"last_seen"`
	ID       string    `json:"id"`
}

// Encode serializes the cursor for the wire.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeCursor parses a wire cursor. Empty input means the first page.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", domain.ErrInvalidCursor)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse cursor: %w", domain.ErrInvalidCursor)
	}
	if c.ID == "" || c.LastSeen.IsZero() {
		return nil, fmt.Errorf("incomplete cursor: %w", domain.ErrInvalidCursor)
	}
	return &c, nil
}
