package model

type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeResolved Outcome = "resolved"
	OutcomeNoRecord Outcome = "no_record"
	OutcomeFailed   Outcome = "failed"
	OutcomeInvalid  Outcome = "invalid"
)

// LookupRecord is one Lookup call as seen by the resolver.
type LookupRecord struct {
	IP        string
	DNS       string
	Outcome   Outcome
	Attempts  int
	Timestamp int64
}

// AggregatedRecord sums a day of lookups for one address.
type AggregatedRecord struct {
	IP       string
	DNS      string
	Lookups  uint64
	Hits     uint64
	Failures uint64
}
