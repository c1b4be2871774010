package allocation

// =============================================================================
// STATUS SET
// =============================================================================

// Status is the closed set of allocation states. The engine accepts any
// (old, new) pair a caller supplies; ordering is a workflow concern owned
// by the UI, not this core.
type Status string

const (
	StatusPlanned         Status = "planned"
	StatusPlannedShopping Status = "planned_shopping"
	StatusEnroute         Status = "enroute"
	StatusArrived         Status = "arrived"
	StatusInRepair        Status = "in_repair"
	StatusComplete        Status = "complete"
	StatusCancelled       Status = "cancelled"
)

// =============================================================================
// BUCKETS
// =============================================================================

// Bucket is one of the two capacity-counted categories. Exactly two counting
// buckets exist; every other status is uncounted.
type Bucket string

const (
	BucketNone      Bucket = ""
	BucketPlanned   Bucket = "planned"
	BucketConfirmed Bucket = "confirmed"
)

// statusBuckets is the single authoritative status-to-bucket mapping.
// Adding a status to a bucket is a one-place change; nothing else in the
// repository tests bucket membership by listing statuses.
var statusBuckets = map[Status]Bucket{
	StatusPlanned:         BucketPlanned,
	StatusPlannedShopping: BucketPlanned,
	StatusEnroute:         BucketPlanned,
	StatusArrived:         BucketConfirmed,
	StatusInRepair:        BucketConfirmed,
	StatusComplete:        BucketConfirmed,
	StatusCancelled:       BucketNone,
}

// BucketOf returns the counting bucket for a status. Unknown statuses map
// to BucketNone so a bad caller cannot corrupt the counters.
func BucketOf(s Status) Bucket {
	return statusBuckets[s]
}

// IsValid reports whether s is in the closed status set.
func (s Status) IsValid() bool {
	_, ok := statusBuckets[s]
	return ok
}

// AllStatuses returns the closed set in workflow order, for validation
// messages and API documentation.
func AllStatuses() []Status {
	return []Status{
		StatusPlanned,
		StatusPlannedShopping,
		StatusEnroute,
		StatusArrived,
		StatusInRepair,
		StatusComplete,
		StatusCancelled,
	}
}
