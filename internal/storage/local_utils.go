package storage

import (
	"path/filepath"
	"strings"
)

func localStorageFullpath(baseDir, bucket, key string) string {
	return filepath.Join(baseDir, bucket, key)
}

// hasPathPrefix matches the way S3 prefixes match: plain string prefix on the
// slash-separated key.
func hasPathPrefix(name, prefix string) bool {
	return strings.HasPrefix(name, filepath.ToSlash(prefix))
}
