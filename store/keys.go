package store

import "fmt"

// Redis key namespacing for RedisStore, grounded in the teacher's
// control_plane/store/keys.go tenant-key helpers.
const (
	taskKeyPrefix = "taskflux:tasks:"
	dueSetKey     = "taskflux:due"
)

// taskKey constructs the Redis hash key for a single task document.
func taskKey(id string) string {
	return fmt.Sprintf("%s%s", taskKeyPrefix, id)
}
