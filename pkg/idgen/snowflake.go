package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 分布式 ID
// ============================================================================
//
// 基于雪花算法：41位时间戳 + 10位节点ID + 12位序列号
//   - 生成记录ID：base58 编码，长度不超过 11 位
//   - 订单号：ORD-<毫秒时间戳>-<雪花ID>
//
// ============================================================================

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init 初始化节点，nodeID 取值 0-1023
func Init(nodeID int64) error {
	snowflake.Epoch = 1704067200000 // 2024-01-01 00:00:00 UTC

	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("初始化雪花节点失败: %w", err)
	}

	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

func getNode() *snowflake.Node {
	mu.Lock()
	defer mu.Unlock()
	if node == nil {
		n, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		node = n
	}
	return node
}

// NextID 生成一个新的雪花 ID
func NextID() int64 {
	return getNode().Generate().Int64()
}

// GenerateRecordID 生成记录 ID
func GenerateRecordID() string {
	return getNode().Generate().Base58()
}

// GenerateOrderNo 生成订单号
func GenerateOrderNo() string {
	return fmt.Sprintf("ORD-%d-%s", time.Now().UnixMilli(), getNode().Generate().Base58())
}
