package audit

import (
	"time"

	id "nest/pkg/domain"
)

// Outcome records whether the audited attempt changed state.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// GenesisHash is the previous hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is what callers hand to Chain.Append. Before and After are any
// JSON-marshalable snapshots; they are redacted and serialized before hashing.
type Record struct {
	Operation     string
	Outcome       Outcome
	ErrorCode     string
	EntityType    string
	EntityID      string
	EscrowID      string
	ActorID       string
	ActorRole     string
	RequestID     string
	Client        string
	Timestamp     time.Time
	ChangedFields []string
	Before        any
	After         any
}

// Entry is one immutable link of the audit chain.
type Entry struct {
	ID            id.EntryID
	Sequence      int64
	Operation     string
	Outcome       Outcome
	ErrorCode     string
	EntityType    string
	EntityID      string
	EscrowID      string
	ActorID       string
	ActorRole     string
	RequestID     string
	Client        string
	Timestamp     time.Time
	ChangedFields []string
	BeforeValue   string
	AfterValue    string
	PreviousHash  string
	EntryHash     string
}

// Clone returns a deep copy so stores never hand out shared slices.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.ChangedFields != nil {
		c.ChangedFields = append([]string(nil), e.ChangedFields...)
	}
	return &c
}

// Tail is the position a new entry links to.
type Tail struct {
	Sequence int64
	Hash     string
}

// Range selects entries by sequence, both ends inclusive. A zero To means
// "through the end of the chain"; a zero From means the first entry.
type Range struct {
	From int64
	To   int64
}

func (r Range) start() int64 {
	if r.From < 1 {
		return 1
	}
	return r.From
}

// Contains reports whether seq lies inside the range.
func (r Range) Contains(seq int64) bool {
	if seq < r.start() {
		return false
	}
	return r.To == 0 || seq <= r.To
}

// VerifyReport summarises one verification run.
type VerifyReport struct {
	Checked         int
	Valid           bool
	LastSequence    int64
	LastHash        string
	Mismatch        *MismatchError
	AffectedEscrows []string
}
