package offlinecache

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit = "hit"
	CacheStatusFwd = "fwd"
)

type CacheStatusFwdReason string

const (
	// The worker was not handling this request (not claimed yet, or not a GET).
	CacheStatusFwdBypass = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod = "method"

	// No partition contained a response for the request URI.
	CacheStatusFwdUriMiss = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	CacheStatusFwdMiss = "miss"

	// The route always goes to the network first; the cache was not consulted.
	CacheStatusFwdRequest = "request"

	// A cached response was served while it is being refreshed.
	CacheStatusFwdStale = "stale"
)

// Cache-Status detail values.
const (
	// Served from cache because the network was unavailable.
	CacheStatusDetailOffline = "offline"
	// Synthesized offline response.
	CacheStatusDetailFallback = "fallback"
	// Submission queued for background sync.
	CacheStatusDetailQueued = "queued"
)

// CacheStatus is the Cache-Status header value of a response, after RFC 9211.
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == CacheStatusHit
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("Offline-Cache; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
