package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FakeTool 可编程的内存工具，供测试和本地联调使用
type FakeTool struct {
	ToolName  string
	Cost      int64
	SubmitErr error
	// Delay 提交前等待，用于模拟第三方超时
	Delay   time.Duration
	Status  Status
	PollErr error

	mu        sync.Mutex
	submitted int
	polled    int
}

func (f *FakeTool) Name() string      { return f.ToolName }
func (f *FakeTool) MediaType() string { return MediaTypeImage }

func (f *FakeTool) Validate(raw json.RawMessage) (Params, error) {
	var p map[string]interface{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	if bad, ok := p["invalid"].(bool); ok && bad {
		return nil, fmt.Errorf("%w: invalid flag set", ErrInvalidParams)
	}
	return p, nil
}

func (f *FakeTool) PriceOf(Params) int64     { return f.Cost }
func (f *FakeTool) ExpectedCount(Params) int { return 1 }

func (f *FakeTool) Submit(ctx context.Context, _ Params) (Submission, error) {
	f.mu.Lock()
	f.submitted++
	n := f.submitted
	f.mu.Unlock()
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return Submission{}, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	if f.SubmitErr != nil {
		return Submission{}, f.SubmitErr
	}
	return Submission{TaskID: fmt.Sprintf("%s-task-%d", f.ToolName, n)}, nil
}

func (f *FakeTool) Poll(ctx context.Context, _ string) (Status, error) {
	f.mu.Lock()
	f.polled++
	f.mu.Unlock()
	if f.PollErr != nil {
		return Status{}, f.PollErr
	}
	return f.Status, nil
}

func (f *FakeTool) Submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

func (f *FakeTool) Polled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polled
}
