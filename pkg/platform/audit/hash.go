package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// Hasher turns canonical entry bytes into a hex digest.
type Hasher interface {
	Name() string
	Sum(data []byte) string
}

const (
	HashSHA256 = "sha256"
	HashBlake3 = "blake3"
)

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return HashSHA256 }

func (sha256Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type blake3Hasher struct{}

func (blake3Hasher) Name() string { return HashBlake3 }

func (blake3Hasher) Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256 is the default chain hasher.
func SHA256() Hasher { return sha256Hasher{} }

// Blake3 hashes with BLAKE3-256.
func Blake3() Hasher { return blake3Hasher{} }

// HasherFor resolves a configured algorithm name.
func HasherFor(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HashSHA256:
		return SHA256(), nil
	case HashBlake3:
		return Blake3(), nil
	default:
		return nil, fmt.Errorf("unsupported audit hash algorithm %q", name)
	}
}

// canonicalEntry fixes field order and formatting of the hashed bytes.
type canonicalEntry struct {
	ID            string   `json:"id"`
	Sequence      int64    `json:"sequence"`
	Operation     string   `json:"operation"`
	Outcome       string   `json:"outcome"`
	ErrorCode     string   `json:"error_code"`
	EntityType    string   `json:"entity_type"`
	EntityID      string   `json:"entity_id"`
	EscrowID      string   `json:"escrow_id"`
	ActorID       string   `json:"actor_id"`
	ActorRole     string   `json:"actor_role"`
	RequestID     string   `json:"request_id"`
	Client        string   `json:"client"`
	Timestamp     string   `json:"timestamp"`
	ChangedFields []string `json:"changed_fields"`
	BeforeValue   string   `json:"before_value"`
	AfterValue    string   `json:"after_value"`
	PreviousHash  string   `json:"previous_hash"`
}

// Canonical serializes every field of e except EntryHash.
func Canonical(e *Entry) ([]byte, error) {
	changed := e.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	c := canonicalEntry{
		ID:            e.ID.String(),
		Sequence:      e.Sequence,
		Operation:     e.Operation,
		Outcome:       string(e.Outcome),
		ErrorCode:     e.ErrorCode,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		EscrowID:      e.EscrowID,
		ActorID:       e.ActorID,
		ActorRole:     e.ActorRole,
		RequestID:     e.RequestID,
		Client:        e.Client,
		Timestamp:     NormalizeTime(e.Timestamp).Format(time.RFC3339Nano),
		ChangedFields: changed,
		BeforeValue:   e.BeforeValue,
		AfterValue:    e.AfterValue,
		PreviousHash:  e.PreviousHash,
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit entry: %w", err)
	}
	return b, nil
}

// ComputeHash returns H(canonical(e) || e.PreviousHash).
func ComputeHash(h Hasher, e *Entry) (string, error) {
	b, err := Canonical(e)
	if err != nil {
		return "", err
	}
	return h.Sum(append(b, e.PreviousHash...)), nil
}

// NormalizeTime drops sub-microsecond precision and the location so a value
// read back from PostgreSQL hashes the same as the value written.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
