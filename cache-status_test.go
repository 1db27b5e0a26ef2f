package offlinecache

import "testing"

func TestCacheStatusString(t *testing.T) {
	hit := CacheStatus{}
	hit.Hit()
	if s := hit.String(); s != "Offline-Cache; hit" {
		t.Fatalf("Status is %s", s)
	}

	stored := CacheStatus{}
	stored.Forward(CacheStatusFwdUriMiss)
	stored.Stored()
	if s := stored.String(); s != "Offline-Cache; fwd=uri-miss; stored" {
		t.Fatalf("Status is %s", s)
	}

	offline := CacheStatus{}
	offline.Forward(CacheStatusFwdMiss)
	offline.Detail(CacheStatusDetailOffline)
	if s := offline.String(); s != "Offline-Cache; fwd=miss; detail=offline" {
		t.Fatalf("Status is %s", s)
	}
}
