// Package cachetest provides an in-process Redis for tests of store-backed components.
package cachetest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/redis/go-redis/v9"
)

// NewStore starts a miniredis server and returns a Store on it. The server is shut down when
// the test ends.
func NewStore(t testing.TB) (*cache.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewStoreOn(t, mr), mr
}

// NewStoreOn returns a Store with its own client connected to mr. Two stores on one server
// behave like two service instances sharing Redis.
func NewStoreOn(t testing.TB, mr *miniredis.Miniredis) *cache.Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewStore(rdb, "test", time.Second)
}
