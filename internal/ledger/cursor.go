package ledger

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// EncodeCursor produces an opaque page cursor from a row's created_at and key.
func EncodeCursor(createdAt time.Time, key string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + key
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	ts, key, ok := strings.Cut(string(data), "|")
	if !ok || key == "" {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}
	return t, key, nil
}

// Before reports whether (t, key) sorts strictly before the cursor position
// in created_at DESC, key DESC order.
func Before(t time.Time, key string, curT time.Time, curKey string) bool {
	if t.Equal(curT) {
		return key < curKey
	}
	return t.Before(curT)
}
