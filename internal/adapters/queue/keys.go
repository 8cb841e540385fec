package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

const (
	keyPrefixJob    = "job"
	keyPrefixItem   = "item"
	keyPrefixStatus = "status"
	keyPrefixOwner  = "owner"
	keySeparator    = ":"
	timestampWidth  = 19
)

func generateItemKey(id string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefixJob, keyPrefixItem, id)
}

// generateStatusKey indexes a job under its status, ordered by creation time.
func generateStatusKey(status domain.JobStatus, createdAt time.Time, id string) string {
	return fmt.Sprintf("%s%019d:%s", getStatusPrefix(status), createdAt.UnixNano(), id)
}

func getStatusPrefix(status domain.JobStatus) string {
	return fmt.Sprintf("%s:%s:%s:", keyPrefixJob, keyPrefixStatus, status)
}

func generateOwnerKey(ownerID string, createdAt time.Time, id string) string {
	return fmt.Sprintf("%s%019d:%s", getOwnerPrefix(ownerID), createdAt.UnixNano(), id)
}

func getOwnerPrefix(ownerID string) string {
	return fmt.Sprintf("%s:%s:%s:", keyPrefixJob, keyPrefixOwner, ownerID)
}

// parseIndexKey extracts the timestamp and job id from a status or owner
// index key. Owner ids may contain separators, so parsing works from the end.
func parseIndexKey(key string) (time.Time, string, error) {
	parts := strings.Split(key, keySeparator)
	if len(parts) < 5 || parts[0] != keyPrefixJob {
		return time.Time{}, "", fmt.Errorf("invalid index key format: %s", key)
	}

	stamp := parts[len(parts)-2]
	if len(stamp) != timestampWidth {
		return time.Time{}, "", fmt.Errorf("invalid index key timestamp: %s", stamp)
	}

	var nanos int64
	if _, err := fmt.Sscanf(stamp, "%019d", &nanos); err != nil {
		return time.Time{}, "", fmt.Errorf("invalid index key timestamp: %s", stamp)
	}

	return time.Unix(0, nanos), parts[len(parts)-1], nil
}

func redisJobKey(prefix, id string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, keyPrefixJob, id)
}

func redisOwnerKey(prefix, ownerID string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, keyPrefixOwner, ownerID)
}

func redisStatusKey(prefix string, status domain.JobStatus) string {
	return fmt.Sprintf("%s:%s:%s", prefix, keyPrefixStatus, status)
}
