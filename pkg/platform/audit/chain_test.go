package audit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	dErrors "nest/pkg/domain-errors"
	audit "nest/pkg/platform/audit"
	"nest/pkg/platform/audit/store/memory"
	"nest/pkg/platform/tx"
	"nest/pkg/requestcontext"
)

type ChainSuite struct {
	suite.Suite
	store  *memory.InMemoryStore
	runner *tx.MemoryRunner
	chain  *audit.Chain
	ctx    context.Context
}

func TestChainSuite(t *testing.T) {
	suite.Run(t, new(ChainSuite))
}

func (s *ChainSuite) SetupTest() {
	s.store = memory.NewInMemoryStore()
	s.runner = tx.NewMemoryRunner()
	s.chain = audit.NewChain(s.store, s.runner)
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC))
}

func (s *ChainSuite) appendN(n int) []*audit.Entry {
	var out []*audit.Entry
	for i := 0; i < n; i++ {
		e, err := s.chain.Append(s.ctx, audit.Record{
			Operation:  "fund",
			EntityType: "escrow",
			EntityID:   "e-1",
			EscrowID:   "e-1",
			ActorID:    "system",
			ActorRole:  "SYSTEM",
			Before:     map[string]any{"status": "PENDING"},
			After:      map[string]any{"status": "ACTIVE"},
		})
		s.Require().NoError(err)
		out = append(out, e)
	}
	return out
}

func (s *ChainSuite) TestAppend() {
	s.Run("first entry links to genesis", func() {
		entries := s.appendN(1)
		s.Equal(int64(1), entries[0].Sequence)
		s.Equal(audit.GenesisHash, entries[0].PreviousHash)
		s.Len(entries[0].EntryHash, 64)
	})

	s.Run("each entry links to its predecessor", func() {
		s.SetupTest()
		entries := s.appendN(3)
		s.Equal(entries[0].EntryHash, entries[1].PreviousHash)
		s.Equal(entries[1].EntryHash, entries[2].PreviousHash)
	})

	s.Run("timestamps are truncated to microseconds in UTC", func() {
		s.SetupTest()
		e := s.appendN(1)[0]
		s.Equal(0, e.Timestamp.Nanosecond()%1000)
		s.Equal(time.UTC, e.Timestamp.Location())
	})

	s.Run("changed fields are derived from snapshots", func() {
		s.SetupTest()
		e := s.appendN(1)[0]
		s.Equal([]string{"status"}, e.ChangedFields)
	})

	s.Run("sensitive values are redacted before hashing", func() {
		s.SetupTest()
		e, err := s.chain.Append(s.ctx, audit.Record{
			Operation: "create_escrow",
			After: map[string]any{
				"landlord_payout_account": "1234-5678901234",
				"amount":                  1500000,
			},
		})
		s.Require().NoError(err)
		s.NotContains(e.AfterValue, "5678901234")
		s.Contains(e.AfterValue, audit.Redacted)
		s.Contains(e.AfterValue, "1500000")
	})

	s.Run("request metadata is taken from the context", func() {
		s.SetupTest()
		ctx := requestcontext.WithRequestID(s.ctx, "req-7")
		ctx = requestcontext.WithClient(ctx, "Firefox 120.0 on Linux x86_64")
		e, err := s.chain.Append(ctx, audit.Record{Operation: "release"})
		s.Require().NoError(err)
		s.Equal("req-7", e.RequestID)
		s.Equal("Firefox 120.0 on Linux x86_64", e.Client)
	})

	s.Run("tampering with the client breaks the hash", func() {
		s.SetupTest()
		e, err := s.chain.Append(requestcontext.WithClient(s.ctx, "curl 8.4.0"), audit.Record{Operation: "release"})
		s.Require().NoError(err)
		forged := e.Clone()
		forged.Client = "Firefox 120.0"
		hash, err := audit.ComputeHash(audit.SHA256(), forged)
		s.Require().NoError(err)
		s.NotEqual(e.EntryHash, hash)
	})

	s.Run("missing operation is rejected", func() {
		s.SetupTest()
		_, err := s.chain.Append(s.ctx, audit.Record{})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		s.Equal(0, s.store.Len())
	})

	s.Run("entries written in a failed caller transaction are discarded", func() {
		s.SetupTest()
		err := s.runner.RunInTx(s.ctx, func(ctx context.Context) error {
			_, err := s.chain.Append(ctx, audit.Record{Operation: "release"})
			s.Require().NoError(err)
			return errors.New("ledger write failed")
		})
		s.Require().Error(err)
		s.Equal(0, s.store.Len())
	})
}

func (s *ChainSuite) TestConcurrentAppendsKeepChainLinear() {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.chain.Append(s.ctx, audit.Record{Operation: "fund", EscrowID: "e-1"})
			s.NoError(err)
		}()
	}
	wg.Wait()

	report, err := s.chain.Verify(s.ctx, audit.Range{})
	s.Require().NoError(err)
	s.True(report.Valid)
	s.Equal(20, report.Checked)
}

func (s *ChainSuite) TestVerify() {
	s.Run("untouched chain verifies", func() {
		s.appendN(4)
		report, err := s.chain.Verify(s.ctx, audit.Range{})
		s.Require().NoError(err)
		s.True(report.Valid)
		s.Equal(int64(4), report.LastSequence)
	})

	s.Run("partial range anchors on the preceding entry", func() {
		s.SetupTest()
		s.appendN(4)
		report, err := s.chain.Verify(s.ctx, audit.Range{From: 3, To: 4})
		s.Require().NoError(err)
		s.Equal(2, report.Checked)
	})

	s.Run("rewritten content is detected at that entry", func() {
		s.SetupTest()
		entries := s.appendN(3)
		s.Require().NoError(s.store.Overwrite(2, func(e *audit.Entry) {
			e.AfterValue = `{"status":"FULLY_RELEASED"}`
		}))

		report, err := s.chain.Verify(s.ctx, audit.Range{})
		s.Require().Error(err)
		var mismatch *audit.MismatchError
		s.Require().ErrorAs(err, &mismatch)
		s.Equal(int64(2), mismatch.Sequence)
		s.Equal(entries[1].ID, mismatch.EntryID)
		s.True(dErrors.HasCode(err, dErrors.CodeAuditChainMismatch))
		s.False(report.Valid)
		s.Equal(1, report.Checked)
		s.Equal([]string{"e-1"}, report.AffectedEscrows)
	})

	s.Run("recomputed hash without relinking breaks the next entry", func() {
		s.SetupTest()
		s.appendN(3)
		s.Require().NoError(s.store.Overwrite(2, func(e *audit.Entry) {
			e.AfterValue = `{"status":"FULLY_RELEASED"}`
			sum, err := audit.ComputeHash(audit.SHA256(), e)
			s.Require().NoError(err)
			e.EntryHash = sum
		}))

		_, err := s.chain.Verify(s.ctx, audit.Range{})
		var mismatch *audit.MismatchError
		s.Require().ErrorAs(err, &mismatch)
		s.Equal(int64(3), mismatch.Sequence)
		s.True(strings.Contains(mismatch.Reason, "previous hash"))
	})
}

func TestHasherFor(t *testing.T) {
	h, err := audit.HasherFor("")
	require.NoError(t, err)
	assert.Equal(t, audit.HashSHA256, h.Name())

	h, err = audit.HasherFor("BLAKE3")
	require.NoError(t, err)
	assert.Equal(t, audit.HashBlake3, h.Name())
	assert.Len(t, h.Sum([]byte("x")), 64)
	assert.NotEqual(t, audit.SHA256().Sum([]byte("x")), h.Sum([]byte("x")))

	_, err = audit.HasherFor("md5")
	assert.Error(t, err)
}

func TestChainWithBlake3Verifies(t *testing.T) {
	store := memory.NewInMemoryStore()
	chain := audit.NewChain(store, tx.NewMemoryRunner(), audit.WithHasher(audit.Blake3()))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, audit.Record{Operation: "fund"})
		require.NoError(t, err)
	}
	report, err := chain.Verify(ctx, audit.Range{})
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestRedactor(t *testing.T) {
	r := audit.NewRedactor("nickname")

	t.Run("nested and differently cased keys", func(t *testing.T) {
		out, err := r.Redact(map[string]any{
			"Email": "a@b.dk",
			"party": map[string]any{"national-id": "010190-1234", "name": "Jens"},
			"list":  []any{map[string]any{"phone": "+4512345678"}},
		})
		require.NoError(t, err)
		assert.NotContains(t, out, "a@b.dk")
		assert.NotContains(t, out, "010190-1234")
		assert.NotContains(t, out, "+4512345678")
		assert.Contains(t, out, "Jens")
	})

	t.Run("extra fields", func(t *testing.T) {
		out, err := r.Redact(map[string]string{"nickname": "bob"})
		require.NoError(t, err)
		assert.Equal(t, `{"nickname":"[REDACTED]"}`, out)
	})

	t.Run("nil yields empty", func(t *testing.T) {
		out, err := r.Redact(nil)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestChangedFields(t *testing.T) {
	assert.Equal(t, []string{"a", "c"}, audit.ChangedFields(`{"a":1,"b":2}`, `{"a":2,"b":2,"c":3}`))
	assert.Equal(t, []string{"x"}, audit.ChangedFields("", `{"x":1}`))
	assert.Nil(t, audit.ChangedFields("", ""))
}
