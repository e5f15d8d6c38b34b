package store

import "strconv"

// versionToString and stringToVersion convert between TaskDocument.Version's
// opaque string token and the monotonic integer counter backends store it
// as. MemoryStore and PostgresStore both use a plain incrementing counter;
// RedisStore's Lua scripts use the same encoding so a version token is
// portable across backends in tests.
func versionToString(v int64) string {
	return strconv.FormatInt(v, 10)
}

func stringToVersion(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
