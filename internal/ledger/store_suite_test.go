package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// storeSuite is run against every Store implementation.
type storeSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
	base     time.Time
}

func (s *storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = s.newStore()
}

func (s *storeSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *storeSuite) record(id, topic string, offset time.Duration) *event.Record {
	r, err := event.NewRecord(id, topic, event.Payload{"eventId": id, "amount": 10}, s.base.Add(offset))
	s.Require().NoError(err)
	return r
}

func (s *storeSuite) TestInsertAndGet() {
	r := s.record("e1", "balance_update", 0)
	s.Require().NoError(s.store.Insert(s.ctx, r))

	got, err := s.store.Get(s.ctx, r.Key())
	s.Require().NoError(err)
	s.Equal("e1", got.EventID)
	s.Equal("balance_update", got.TopicName)
	s.Equal(event.StatusReceived, got.Status)
	s.Nil(got.ProcessedAt)
	s.WithinDuration(r.ReceivedAt, got.ReceivedAt, time.Millisecond)

	payload, err := got.Decode()
	s.Require().NoError(err)
	s.Equal("e1", payload["eventId"])
}

func (s *storeSuite) TestInsertDuplicate() {
	r := s.record("e1", "balance_update", 0)
	s.Require().NoError(s.store.Insert(s.ctx, r))

	err := s.store.Insert(s.ctx, s.record("e1", "balance_update", time.Minute))
	s.True(errors.Is(err, apperrors.ErrDuplicateEvent), "got %v", err)

	got, err := s.store.Get(s.ctx, r.Key())
	s.Require().NoError(err)
	s.WithinDuration(r.ReceivedAt, got.ReceivedAt, time.Millisecond)
}

func (s *storeSuite) TestSameIDOnDifferentTopics() {
	s.Require().NoError(s.store.Insert(s.ctx, s.record("e1", "balance_update", 0)))
	s.Require().NoError(s.store.Insert(s.ctx, s.record("e1", "trade_settled", 0)))

	for _, topic := range []string{"balance_update", "trade_settled"} {
		ok, err := s.store.Exists(s.ctx, event.Key{EventID: "e1", Topic: topic})
		s.Require().NoError(err)
		s.True(ok, topic)
	}
}

func (s *storeSuite) TestExists() {
	key := event.Key{EventID: "e1", Topic: "balance_update"}

	ok, err := s.store.Exists(s.ctx, key)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.Insert(s.ctx, s.record("e1", "balance_update", 0)))

	ok, err = s.store.Exists(s.ctx, key)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *storeSuite) TestMarkProcessed() {
	r := s.record("e1", "balance_update", 0)
	s.Require().NoError(s.store.Insert(s.ctx, r))

	at := s.base.Add(time.Second)
	s.Require().NoError(s.store.MarkProcessed(s.ctx, r.Key(), at))

	got, err := s.store.Get(s.ctx, r.Key())
	s.Require().NoError(err)
	s.Equal(event.StatusProcessed, got.Status)
	s.Require().NotNil(got.ProcessedAt)
	s.WithinDuration(at, *got.ProcessedAt, time.Millisecond)
}

func (s *storeSuite) TestMarkFailed() {
	r := s.record("e1", "balance_update", 0)
	s.Require().NoError(s.store.Insert(s.ctx, r))
	s.Require().NoError(s.store.MarkFailed(s.ctx, r.Key()))

	got, err := s.store.Get(s.ctx, r.Key())
	s.Require().NoError(err)
	s.Equal(event.StatusFailed, got.Status)
	s.Nil(got.ProcessedAt)
}

func (s *storeSuite) TestMissingRecord() {
	key := event.Key{EventID: "missing", Topic: "balance_update"}

	_, err := s.store.Get(s.ctx, key)
	s.True(errors.Is(err, apperrors.ErrRecordNotFound), "get: %v", err)

	err = s.store.MarkProcessed(s.ctx, key, s.base)
	s.True(errors.Is(err, apperrors.ErrRecordNotFound), "mark processed: %v", err)

	err = s.store.MarkFailed(s.ctx, key)
	s.True(errors.Is(err, apperrors.ErrRecordNotFound), "mark failed: %v", err)

	var ledgerErr *apperrors.LedgerError
	s.True(errors.As(err, &ledgerErr))
	s.Equal("mark_failed", ledgerErr.Operation)
}

func (s *storeSuite) TestListReplayable() {
	s.Require().NoError(s.store.Insert(s.ctx, s.record("e3", "balance_update", 3*time.Second)))
	s.Require().NoError(s.store.Insert(s.ctx, s.record("e1", "balance_update", time.Second)))
	s.Require().NoError(s.store.Insert(s.ctx, s.record("e2", "balance_update", 2*time.Second)))
	s.Require().NoError(s.store.Insert(s.ctx, s.record("t1", "trade_settled", 0)))

	s.Require().NoError(s.store.MarkProcessed(s.ctx, event.Key{EventID: "e2", Topic: "balance_update"}, s.base))
	s.Require().NoError(s.store.MarkFailed(s.ctx, event.Key{EventID: "e3", Topic: "balance_update"}))

	got, err := s.store.List(s.ctx, ReplayFilter("balance_update", 0))
	s.Require().NoError(err)
	s.Equal([]string{"e1", "e3"}, ids(got))

	got, err = s.store.List(s.ctx, ReplayFilter("", 2))
	s.Require().NoError(err)
	s.Equal([]string{"t1", "e1"}, ids(got))

	got, err = s.store.List(s.ctx, Filter{Statuses: []event.Status{event.StatusFailed}})
	s.Require().NoError(err)
	s.Equal([]string{"e3"}, ids(got))
}

func (s *storeSuite) TestListProcessedAfter() {
	for i := 1; i <= 4; i++ {
		r := s.record(fmt.Sprintf("e%d", i), "balance_update", 0)
		s.Require().NoError(s.store.Insert(s.ctx, r))
		s.Require().NoError(s.store.MarkProcessed(s.ctx, r.Key(), s.base.Add(time.Duration(i)*time.Minute)))
	}
	s.Require().NoError(s.store.Insert(s.ctx, s.record("pending", "balance_update", 0)))

	got, err := s.store.List(s.ctx, ArchiveFilter(s.base.Add(90*time.Second), 2))
	s.Require().NoError(err)
	s.Equal([]string{"e2", "e3"}, ids(got))

	got, err = s.store.List(s.ctx, ArchiveFilter(s.base.Add(3*time.Minute), 10))
	s.Require().NoError(err)
	s.Equal([]string{"e4"}, ids(got))
}

func (s *storeSuite) TestConcurrentInsertSingleWinner() {
	const writers = 8

	var (
		wg         sync.WaitGroup
		inserted   atomic.Int32
		duplicates atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Insert(s.ctx, s.record("race", "balance_update", 0))
			switch {
			case err == nil:
				inserted.Add(1)
			case errors.Is(err, apperrors.ErrDuplicateEvent):
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), inserted.Load())
	s.Equal(int32(writers-1), duplicates.Load())
}

func (s *storeSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}

func ids(records []*event.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.EventID)
	}
	return out
}

