package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"pointsystem/internal/gateway"
	"pointsystem/internal/ledger"
	"pointsystem/internal/model"
	"pointsystem/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefundFollowsDeductionDetail(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Bounds: 1, Membership: 2, Topup: 10})
	ctx := context.Background()

	res, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "swap"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Pools{Topup: 7}, f.user(t, "u1").Pools())

	// 扣减后充值池又有入账，退还仍按原明细
	_, err = f.points.AdminGrant(ctx, "u1", string(ledger.PoolTopup), 5, "bonus")
	require.NoError(t, err)

	outcome, err := f.settlement.Refund(ctx, res.RecordID, "test")
	require.NoError(t, err)
	assert.Equal(t, RefundApplied, outcome)
	assert.Equal(t, ledger.Pools{Bounds: 1, Membership: 2, Topup: 15}, f.user(t, "u1").Pools())

	outcome, err = f.settlement.Refund(ctx, res.RecordID, "again")
	require.NoError(t, err)
	assert.Equal(t, RefundAlreadyApplied, outcome)
	assert.Equal(t, ledger.Pools{Bounds: 1, Membership: 2, Topup: 15}, f.user(t, "u1").Pools())

	refunds := 0
	for _, h := range f.history(t, "u1") {
		if h.Action == model.PointsActionRefund {
			refunds++
			assert.Equal(t, ledger.Detail{ledger.PoolBounds: 1, ledger.PoolMembership: 2, ledger.PoolTopup: 3}, h.Detail())
		}
	}
	assert.Equal(t, 1, refunds)
	f.requireConsistent(t, "u1", 13)
}

func TestRefundConcurrentAppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Topup: 10})
	ctx := context.Background()

	res, err := f.generation.Generate(ctx, user1, GenerateRequest{Tool: "paid"})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[RefundOutcome]int{}
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.settlement.Refund(ctx, res.RecordID, "concurrent")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				outcomes[outcome]++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[RefundApplied])
	assert.Equal(t, 4, outcomes[RefundAlreadyApplied])
	assert.EqualValues(t, 10, f.user(t, "u1").TotalPoints)
	f.requireConsistent(t, "u1", 10)
}

func TestRefundNotNeeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.generation.Generate(ctx, Caller{}, GenerateRequest{Tool: "free"})
	require.NoError(t, err)

	outcome, err := f.settlement.Refund(ctx, res.RecordID, "free")
	require.NoError(t, err)
	assert.Equal(t, RefundNotNeeded, outcome)
	assert.False(t, f.record(t, res.RecordID).PointsRefunded)

	_, err = f.settlement.Refund(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRefundWithoutDeductionFallsBackToTopup(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Bounds: 1})
	ctx := context.Background()

	record := &model.GenerationRecord{
		ID:             "rec_orphan",
		SID:            "u1",
		Type:           "image",
		Tool:           "paid",
		PointsCount:    4,
		DispatchStatus: model.DispatchStatusFail,
	}
	require.NoError(t, repository.NewGenerationRepository(f.db).CreateRecord(ctx, nil, record))

	outcome, err := f.settlement.Refund(ctx, record.ID, "orphan")
	require.NoError(t, err)
	assert.Equal(t, RefundApplied, outcome)
	assert.Equal(t, ledger.Pools{Bounds: 1, Topup: 4}, f.user(t, "u1").Pools())

	history := f.history(t, "u1")
	require.Len(t, history, 1)
	assert.Equal(t, ledger.Detail{ledger.PoolTopup: 4}, history[0].Detail())
	assert.True(t, f.record(t, record.ID).PointsRefunded)
}

// 多字节的失败原因截断后仍是合法 UTF-8
func TestRefundRemarkKeepsValidUTF8(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "u1", ledger.Pools{Topup: 10})
	reason := strings.Repeat("违规", 100)
	f.tools["paid"].SubmitErr = &gateway.UpstreamError{StatusCode: 422, Body: reason}

	_, err := f.generation.Generate(context.Background(), user1, GenerateRequest{Tool: "paid"})
	require.Error(t, err)

	history := f.history(t, "u1")
	require.Len(t, history, 2)
	refund := history[1]
	assert.Equal(t, model.PointsActionRefund, refund.Action)
	assert.True(t, utf8.ValidString(refund.Remark))
	assert.LessOrEqual(t, len(refund.Remark), 256)
	assert.True(t, strings.HasPrefix(refund.Remark, "submit failed: 违规"))

	record := f.record(t, *refund.RecordID)
	assert.True(t, record.PointsRefunded)
	assert.True(t, utf8.ValidString(record.ErrorMessage))
	assert.Len(t, record.ErrorMessage, 510)
	assert.Equal(t, ledger.Pools{Topup: 10}, f.user(t, "u1").Pools())
}
