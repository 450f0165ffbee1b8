package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// FileStore хранит содержимое вложений.
type FileStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// AttachmentKey строит ключ объекта: conversations/{id}/{uuid}/{имя}.
func AttachmentKey(conversationID int64, fileName string) string {
	return fmt.Sprintf("conversations/%d/%s/%s", conversationID, uuid.NewString(), SanitizeFileName(fileName))
}

// SanitizeFileName оставляет только базовое имя без управляющих символов и разделителей пути.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	if len(name) > 200 {
		ext := path.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		name = name[:200-len(ext)] + ext
	}
	return name
}
