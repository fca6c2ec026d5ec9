// Package storage mirrors fetched channel directories to remote object storage.
package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"gwfetch/internal/domain"
)

type ObjectInfo struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// UploadOptions conveys upload destination metadata.
type UploadOptions struct {
	Bucket           string
	KeyPrefix        string
	ProgressCallback func(done, total int64)
	// Skip, when set, excludes files by their slash-separated path relative to the upload root.
	Skip func(rel string) bool
}

// Service archives channel directories to remote object storage.
type Service interface {
	UploadDirectory(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// ChannelPrefix is the key prefix a channel directory is archived under.
func ChannelPrefix(keyPrefix, channel string) string {
	name := domain.SanitizeChannel(strings.TrimSpace(channel))
	prefix := strings.Trim(keyPrefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// SkipPartials excludes in-flight writes from an upload.
func SkipPartials(rel string) bool {
	return strings.HasSuffix(rel, ".part")
}
