package store

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/entry"
)

// Object metadata keys written by the object-storage tiers.
const (
	MetaExpiresAt = "expires-at"
	MetaCreatedAt = "created-at"
)

// MetadataPartition holds snapshots next to the entry partitions.
const MetadataPartition = "metadata"

// Layout maps cache keys onto object names: <prefix>/<partition>/<escaped key>.
type Layout struct {
	prefix string
}

// NewLayout returns a layout rooted at prefix. Trailing slashes are ignored.
func NewLayout(prefix string) Layout {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return Layout{prefix: prefix}
}

// Prefix returns the normalized prefix, ending in "/" unless empty.
func (l Layout) Prefix() string {
	return l.prefix
}

// Dir returns the object-name prefix of a partition.
func (l Layout) Dir(partition string) string {
	return l.prefix + partition + "/"
}

// Object returns the object name of key in partition.
func (l Layout) Object(partition, key string) string {
	return l.Dir(partition) + url.PathEscape(key)
}

// Snapshot returns the object name of a named snapshot.
func (l Layout) Snapshot(name string) string {
	return l.Dir(MetadataPartition) + url.PathEscape(name)
}

// Key recovers the cache key from an object name inside partition.
func (l Layout) Key(partition, object string) (string, bool) {
	escaped, ok := strings.CutPrefix(object, l.Dir(partition))
	if !ok {
		return "", false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return key, true
}

// EntryPartitions lists the partitions that hold entries.
func EntryPartitions() []string {
	out := make([]string, len(datatype.All))
	for i, dt := range datatype.All {
		out[i] = dt.Partition()
	}
	return out
}

// EncodeMetadata records the expiry and creation times of e.
func EncodeMetadata(e *entry.Entry) map[string]string {
	return map[string]string{
		MetaExpiresAt: strconv.FormatInt(e.ExpiresAt.UnixNano(), 10),
		MetaCreatedAt: strconv.FormatInt(e.CreatedAt.UnixNano(), 10),
	}
}

// DecodeExpiry reads the expiry time written by EncodeMetadata.
// Metadata keys are matched case-insensitively since S3 canonicalizes them.
func DecodeExpiry(md map[string]string) (time.Time, bool) {
	for k, v := range md {
		if strings.EqualFold(k, MetaExpiresAt) {
			ns, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.Unix(0, ns), true
		}
	}
	return time.Time{}, false
}
