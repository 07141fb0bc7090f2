package webproxy

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The request method is not served from the cache.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The cache did not contain a response for the request-target.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"
)

// CacheStatus records how a request was answered.
// It is only used for logging and metrics; nothing is added to the response.
type CacheStatus struct {
	status    CacheStatusStatus
	fwdReason CacheStatusFwdReason
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

// Stored marks the forwarded response as written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("webproxy; %s", cs.status)
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
