package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnsupportedTool = errors.New("unsupported tool")
	ErrInvalidParams   = errors.New("invalid parameters")
)

// State 统一后的任务状态，各适配器负责把第三方状态翻译成这三种之一
type State string

const (
	StateWaiting State = "WAITING"
	StateSucceed State = "SUCCEED"
	StateFailed  State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateSucceed || s == StateFailed
}

// Params 由具体工具解析和校验后的参数
type Params interface{}

type Submission struct {
	TaskID string
	Raw    json.RawMessage
}

type Status struct {
	State        State
	URLs         []string
	ErrorMessage string
	Raw          json.RawMessage
}

// Tool 一种生成工具的适配器
type Tool interface {
	Name() string
	MediaType() string
	// Validate 解析并校验调用方参数，失败返回 ErrInvalidParams
	Validate(raw json.RawMessage) (Params, error)
	PriceOf(p Params) int64
	ExpectedCount(p Params) int
	Submit(ctx context.Context, p Params) (Submission, error)
	Poll(ctx context.Context, taskID string) (Status, error)
}

// Registry 工具注册表，启动时构建，之后只读
type Registry struct {
	tools map[string]Tool
}

// NewRegistry 名称为空或重复时 panic
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			panic("gateway: tool with empty name")
		}
		if _, dup := r.tools[name]; dup {
			panic(fmt.Sprintf("gateway: duplicate tool %q", name))
		}
		r.tools[name] = t
	}
	return r
}

func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTool, name)
	}
	return t, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
