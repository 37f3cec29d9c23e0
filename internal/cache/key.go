package cache

import (
	"net/url"
	"strings"
)

// Fields holds the logical components of a composite key.
type Fields map[string]string

// CompositeKey serializes (bucket, fields) canonically: field names sorted, values
// escaped, empty values dropped. Two logically equal filters always produce the
// same key regardless of how the caller assembled them.
func CompositeKey(bucket string, fields Fields) string {
	values := url.Values{}
	for k, v := range fields {
		if v == "" {
			continue
		}
		values.Set(k, v)
	}
	return BucketPrefix(bucket) + values.Encode()
}

// EntityKey is the key for one entity inside a bucket. It is terminated so
// that the key for "T1" is not a prefix of the key for "T10".
func EntityKey(bucket, id string) string {
	return BucketPrefix(bucket) + url.QueryEscape(id) + ";"
}

// BucketPrefix is the prefix shared by every key in bucket.
func BucketPrefix(bucket string) string {
	return bucket + ":"
}

// globEscape escapes redis MATCH metacharacters.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
