package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/stl-import/internal/registry"
)

// DecodeImportCursor parses a page cursor. An empty string means the first page.
func DecodeImportCursor(cursorStr string) (*registry.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var importedAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &importedAt); err != nil {
		return nil, fmt.Errorf("invalid importedAt in cursor: %w", err)
	}

	return &registry.Cursor{
		ImportedAt: time.Unix(0, importedAt),
		ID:         parts[1],
	}, nil
}

func EncodeImportCursor(cursor *registry.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.ImportedAt.UnixNano(), cursor.ID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
