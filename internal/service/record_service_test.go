package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"pointsystem/internal/gateway"
	"pointsystem/internal/ledger"
	"pointsystem/internal/media"
	"pointsystem/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestPollSucceedStoresMediaOnce(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Topup: 10})
	ctx := context.Background()

	res, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "paid"})
	require.NoError(t, err)

	status, err := f.records.Poll(ctx, user1, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationStatusWaiting, status.Status)
	assert.Empty(t, status.URLs)

	f.tools["paid"].Status = gateway.Status{
		State: gateway.StateSucceed,
		URLs:  []string{"https://cdn.example.com/a.png"},
	}
	status, err = f.records.Poll(ctx, user1, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationStatusSucceed, status.Status)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, status.URLs)
	assert.False(t, status.PointsRefunded)
	assert.Equal(t, 2, f.tools["paid"].Polled())

	// 终态后不再访问第三方
	status, err = f.records.Poll(ctx, user1, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationStatusSucceed, status.Status)
	assert.Len(t, status.URLs, 1)
	assert.Equal(t, 2, f.tools["paid"].Polled())

	items, err := f.points.ListMedia(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, res.RecordID, items[0].RecordID)
	assert.EqualValues(t, 8, f.user(t, "u1").TotalPoints)
}

func TestPollFailedRefunds(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Bounds: 1, Topup: 5})
	ctx := context.Background()

	res, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "paid"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Pools{Topup: 4}, f.user(t, "u1").Pools())

	f.tools["paid"].Status = gateway.Status{State: gateway.StateFailed, ErrorMessage: "nsfw content"}
	status, err := f.records.Poll(ctx, user1, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationStatusFailed, status.Status)
	assert.Equal(t, "nsfw content", status.ErrorMessage)
	assert.True(t, status.PointsRefunded)
	assert.Equal(t, ledger.Pools{Bounds: 1, Topup: 5}, f.user(t, "u1").Pools())

	_, err = f.records.Poll(ctx, user1, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Pools{Bounds: 1, Topup: 5}, f.user(t, "u1").Pools())
	f.requireConsistent(t, "u1", 6)
}

func TestPollDispatchFailed(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Topup: 10})
	ctx := context.Background()
	f.tools["paid"].SubmitErr = errors.New("connection reset")

	_, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "paid"})
	require.Error(t, err)
	recordID := *f.history(t, "u1")[0].RecordID

	status, err := f.records.Poll(ctx, user1, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationStatusFailed, status.Status)
	assert.True(t, status.PointsRefunded)
	assert.Zero(t, f.tools["paid"].Polled())
}

func TestPollAccessRules(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Topup: 10})
	f.seedUser(t, "u2", ledger.Pools{})
	ctx := context.Background()

	res, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "paid"})
	require.NoError(t, err)

	_, err = f.records.Poll(ctx, Caller{}, res.RecordID)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.records.Poll(ctx, Caller{SID: "u2"}, res.RecordID)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = f.records.Poll(ctx, user1, "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	// 匿名记录任何登录用户都能查询
	free, err := f.generation.Generate(ctx, Caller{}, GenerateRequest{Tool: "free"})
	require.NoError(t, err)
	status, err := f.records.Poll(ctx, Caller{SID: "u2"}, free.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationStatusWaiting, status.Status)
}

func TestPollUpstreamError(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Topup: 10})
	ctx := context.Background()

	res, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "paid"})
	require.NoError(t, err)

	f.tools["paid"].PollErr = errors.New("503")
	_, err = f.records.Poll(ctx, user1, res.RecordID)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, model.GenerationStatusWaiting, f.record(t, res.RecordID).GenerationStatus)
	assert.EqualValues(t, 8, f.user(t, "u1").TotalPoints)
}

// 提交失败时同步退款出错，下一次轮询补退
func TestPollRetriesRefundAfterDispatchFailure(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Bounds: 1, Topup: 9})
	ctx := context.Background()

	var failRefund atomic.Bool
	failRefund.Store(true)
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_first_refund", func(db *gorm.DB) {
		h, ok := db.Statement.Dest.(*model.PointsHistory)
		if ok && h.Action == model.PointsActionRefund && failRefund.CompareAndSwap(true, false) {
			db.AddError(errors.New("connection reset by peer"))
		}
	}))
	f.tools["paid"].SubmitErr = &gateway.UpstreamError{StatusCode: 503, Body: "service unavailable"}

	_, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "paid"})
	var upErr *UpstreamSubmissionError
	require.True(t, errors.As(err, &upErr))

	history := f.history(t, "u1")
	require.Len(t, history, 1)
	record := f.record(t, *history[0].RecordID)
	assert.Equal(t, model.DispatchStatusFail, record.DispatchStatus)
	assert.False(t, record.PointsRefunded)
	assert.EqualValues(t, 8, f.user(t, "u1").TotalPoints)

	status, err := f.records.Poll(ctx, user1, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationStatusFailed, status.Status)
	assert.True(t, status.PointsRefunded)
	assert.True(t, f.record(t, record.ID).PointsRefunded)
	assert.Equal(t, ledger.Pools{Bounds: 1, Topup: 9}, f.user(t, "u1").Pools())

	// 已退还后再次轮询不会重复退款
	_, err = f.records.Poll(ctx, user1, record.ID)
	require.NoError(t, err)
	assert.Len(t, f.history(t, "u1"), 2)
	f.requireConsistent(t, "u1", 10)
}

type countingRelocator struct {
	calls atomic.Int32
}

func (r *countingRelocator) Relocate(_ context.Context, urls []string, _ media.Owner) []string {
	r.calls.Add(1)
	return urls
}

// 并发轮询只有写入终态的一方转存媒体
func TestPollConcurrentRelocatesOnce(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Topup: 10})
	ctx := context.Background()

	res, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "paid"})
	require.NoError(t, err)
	f.tools["paid"].Status = gateway.Status{
		State: gateway.StateSucceed,
		URLs:  []string{"https://cdn.example.com/a.png"},
	}

	reloc := &countingRelocator{}
	records := NewRecordService(f.db, gateway.NewRegistry(f.tools["paid"]), f.settlement, reloc, f.metrics, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := records.Poll(ctx, user1, res.RecordID)
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, model.GenerationStatusSucceed, status.Status)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, reloc.calls.Load())
	items, err := f.points.ListMedia(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
