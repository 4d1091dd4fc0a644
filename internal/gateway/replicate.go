package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pointsystem/pkg/textutil"
)

// UpstreamError 第三方返回非 2xx
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// ReplicateClient Replicate predictions API
type ReplicateClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewReplicateClient(baseURL, token string, timeout time.Duration) *ReplicateClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReplicateClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type prediction struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status"`
	Input  map[string]interface{} `json:"input"`
	Output json.RawMessage        `json:"output"`
	Error  interface{}            `json:"error"`
}

// CreatePrediction POST /v1/models/{model}/predictions
func (c *ReplicateClient) CreatePrediction(ctx context.Context, model string, input map[string]interface{}) (*prediction, []byte, error) {
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return nil, nil, err
	}
	url := fmt.Sprintf("%s/v1/models/%s/predictions", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	return c.do(req)
}

// GetPrediction GET /v1/predictions/{id}
func (c *ReplicateClient) GetPrediction(ctx context.Context, id string) (*prediction, []byte, error) {
	url := fmt.Sprintf("%s/v1/predictions/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.do(req)
}

func (c *ReplicateClient) do(req *http.Request) (*prediction, []byte, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, raw, &UpstreamError{StatusCode: resp.StatusCode, Body: upstreamMessage(raw)}
	}

	var p prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, raw, fmt.Errorf("decode prediction: %w", err)
	}
	return &p, raw, nil
}

// upstreamMessage 优先取 Replicate 错误体中的 detail 字段
func upstreamMessage(raw []byte) string {
	var body struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Title != "" {
			return body.Title
		}
	}
	return textutil.Truncate(strings.TrimSpace(string(raw)), 256)
}

// normalize 把 Replicate 的 prediction 翻译为统一状态
//   - failed / canceled -> FAILED
//   - 没有输出，或输出数量少于 num_outputs -> WAITING
//   - 其它 -> SUCCEED
func normalize(p *prediction, raw []byte) Status {
	st := Status{Raw: raw}
	if p.Status == "failed" || p.Status == "canceled" {
		st.State = StateFailed
		st.ErrorMessage = errorText(p.Error)
		if st.ErrorMessage == "" {
			st.ErrorMessage = "Unknown error, please try again."
		}
		return st
	}

	urls := outputURLs(p.Output)
	if len(urls) == 0 {
		st.State = StateWaiting
		return st
	}
	if want := numOutputs(p.Input); want > 0 && len(urls) < want {
		st.State = StateWaiting
		return st
	}

	st.State = StateSucceed
	st.URLs = urls
	return st
}

func outputURLs(output json.RawMessage) []string {
	if len(output) == 0 || string(output) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(output, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(output, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func numOutputs(input map[string]interface{}) int {
	if input == nil {
		return 0
	}
	if v, ok := input["num_outputs"].(float64); ok {
		return int(v)
	}
	return 0
}

func errorText(v interface{}) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}
