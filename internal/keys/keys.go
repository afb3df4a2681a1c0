package keys

import "strconv"

// Package keys centralizes storage key construction.
// It is kept in internal to avoid leaking key formats to public API.

const (
	// Tasks holds the whole persisted task list.
	Tasks = "tasks"
	// Bookmarks holds the cached bookmark payload when it fits in one value.
	Bookmarks = "bookmarks"
	// BookmarkChunkCount holds the number of chunks written by the oversized fallback.
	BookmarkChunkCount = "bookmarks:chunk_count"
	// CategoriesBulk is the consolidated category record.
	CategoriesBulk = "categories_bulk"
	// CategoryPrefix namespaces per-bookmark category keys.
	CategoryPrefix = "category:"
	// CachePrefix namespaces cache partitions.
	CachePrefix = "cache:"
	// OfflineQueue holds writes that could not reach their store.
	OfflineQueue = "offline_queue"
	// AlarmActions maps alarm names to the task each alarm creates.
	AlarmActions = "alarm_actions"
	// AlarmPrefix namespaces durable alarm keys in Redis.
	AlarmPrefix = "shelfq:alarms:"
)

func BookmarkChunk(i int) string { return "bookmarks:chunk_" + strconv.Itoa(i) }
func Category(id string) string  { return CategoryPrefix + id }

// CategoryID strips the category prefix. It returns "" for foreign keys.
func CategoryID(key string) string {
	if len(key) <= len(CategoryPrefix) || key[:len(CategoryPrefix)] != CategoryPrefix {
		return ""
	}
	return key[len(CategoryPrefix):]
}

// CachePartition returns the key prefix shared by every entry of one partition.
func CachePartition(name string) string { return CachePrefix + "{" + name + "}:" }

// CacheEntry returns the key of one entry inside a cache partition.
func CacheEntry(name, entry string) string { return CachePartition(name) + entry }

// ExtractPartition parses a partition name from a raw cache key
// (e.g. "cache:{pages-v2}:index"). It returns an empty string if the format is invalid.
func ExtractPartition(key string) string {
	if len(key) <= len(CachePrefix) || key[:len(CachePrefix)] != CachePrefix {
		return ""
	}
	rest := key[len(CachePrefix):]
	if len(rest) < 3 || rest[0] != '{' {
		return ""
	}
	for i := 1; i < len(rest); i++ {
		if rest[i] == '}' {
			if i == 1 {
				return ""
			}
			return rest[1:i]
		}
	}
	return ""
}

// Alarms holds the precomputed Redis keys of the durable alarm scheduler.
type Alarms struct {
	Due     string
	Periods string
}

// AlarmsFor returns the alarm keys for a namespace.
func AlarmsFor(ns string) Alarms {
	prefix := AlarmPrefix + "{" + ns + "}:"
	return Alarms{
		Due:     prefix + "due",
		Periods: prefix + "periods",
	}
}
