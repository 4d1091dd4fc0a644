package ledger

import (
	"errors"
	"fmt"
)

// ============================================================================
// 积分三池模型
// ============================================================================
//
// 用户积分拆成三个池：
//   bounds     - 赠送积分（签到等），最先消耗
//   membership - 订阅发放积分
//   topup      - 充值购买积分，最后消耗
//
// 扣减按 bounds -> membership -> topup 的固定顺序进行；
// 退还严格按照扣减时记录的明细逐池返还，不重新计算优先级。
//
// ============================================================================

var (
	ErrInvalidAmount     = errors.New("积分数量必须大于0")
	ErrInsufficientFunds = errors.New("积分不足")
	ErrUnknownPool       = errors.New("未知的积分池")
)

// Pool 积分池名称
type Pool string

const (
	PoolBounds     Pool = "bounds"
	PoolMembership Pool = "membership"
	PoolTopup      Pool = "topup"
)

// DeductionOrder 扣减优先级
var DeductionOrder = []Pool{PoolBounds, PoolMembership, PoolTopup}

func (p Pool) Valid() bool {
	switch p {
	case PoolBounds, PoolMembership, PoolTopup:
		return true
	}
	return false
}

// Pools 用户三个积分池的余额
type Pools struct {
	Bounds     int64 `json:"bounds"`
	Membership int64 `json:"membership"`
	Topup      int64 `json:"topup"`
}

func (p Pools) Total() int64 {
	return p.Bounds + p.Membership + p.Topup
}

func (p Pools) get(pool Pool) int64 {
	switch pool {
	case PoolBounds:
		return p.Bounds
	case PoolMembership:
		return p.Membership
	default:
		return p.Topup
	}
}

func (p *Pools) add(pool Pool, delta int64) {
	switch pool {
	case PoolBounds:
		p.Bounds += delta
	case PoolMembership:
		p.Membership += delta
	case PoolTopup:
		p.Topup += delta
	}
}

// Detail 每个积分池的变动量（带符号），只记录实际发生变动的池
type Detail map[Pool]int64

// Sum 明细合计，必须等于流水的 points
func (d Detail) Sum() int64 {
	var sum int64
	for _, v := range d {
		sum += v
	}
	return sum
}

// Validate 检查明细中的池名是否合法
func (d Detail) Validate() error {
	for pool := range d {
		if !pool.Valid() {
			return fmt.Errorf("%w: %s", ErrUnknownPool, pool)
		}
	}
	return nil
}

// Deduct 按优先级扣减积分
func Deduct(p Pools, amount int64) (Pools, Detail, error) {
	if amount <= 0 {
		return p, nil, ErrInvalidAmount
	}
	if amount > p.Total() {
		return p, nil, ErrInsufficientFunds
	}

	detail := Detail{}
	remaining := amount
	for _, pool := range DeductionOrder {
		if remaining == 0 {
			break
		}
		balance := p.get(pool)
		if balance <= 0 {
			continue
		}
		take := min(remaining, balance)
		p.add(pool, -take)
		detail[pool] = -take
		remaining -= take
	}

	return p, detail, nil
}

// Grant 向指定积分池发放积分
func Grant(p Pools, amount int64, pool Pool) (Pools, error) {
	if amount <= 0 {
		return p, ErrInvalidAmount
	}
	if !pool.Valid() {
		return p, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	p.add(pool, amount)
	return p, nil
}

// Refund 按扣减明细原路退还。明细中的值可正可负，统一按绝对值返还到对应池。
func Refund(p Pools, detail Detail) (Pools, error) {
	if err := detail.Validate(); err != nil {
		return p, err
	}
	for pool, delta := range detail {
		p.add(pool, abs(delta))
	}
	return p, nil
}

// RefundDetail 由扣减明细生成退还明细（正值），忽略为0的池
func RefundDetail(deducted Detail) Detail {
	out := Detail{}
	for pool, delta := range deducted {
		if delta == 0 {
			continue
		}
		out[pool] = abs(delta)
	}
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
