package feed

import (
	"context"
	"sort"
	"time"
)

type ObjectInfo struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
}

// ObjectStore is the artifact storage backend.
type ObjectStore interface {
	// Upload stores the local file under key and returns its URL.
	Upload(ctx context.Context, localPath string, key string, contentType string) (string, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	// URL returns a public URL when a public base is configured, a presigned one otherwise.
	URL(ctx context.Context, key string) (string, error)
}

// sortNewestFirst orders by last-modified descending. Equal timestamps fall back to
// key descending, which keeps the timestamped filenames in order.
func sortNewestFirst(objs []ObjectInfo) {
	sort.SliceStable(objs, func(i, j int) bool {
		if !objs[i].LastModified.Equal(objs[j].LastModified) {
			return objs[i].LastModified.After(objs[j].LastModified)
		}
		return objs[i].Key > objs[j].Key
	})
}

// Latest returns the most recently modified object under prefix.
func Latest(ctx context.Context, store ObjectStore, prefix string) (ObjectInfo, bool, error) {
	objs, err := store.List(ctx, prefix)
	if err != nil {
		return ObjectInfo{}, false, err
	}
	if len(objs) == 0 {
		return ObjectInfo{}, false, nil
	}
	sortNewestFirst(objs)
	return objs[0], true, nil
}
