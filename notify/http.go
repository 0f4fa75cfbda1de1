package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// 响应体只读取前 64KB
const maxResponseBody = 64 << 10

type request struct {
	url     string
	body    []byte
	headers map[string]string
}

func newJSONRequest(url string, payload interface{}) (*request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "序列化消息失败")
	}
	return &request{url: url, body: body, headers: map[string]string{"Content-Type": "application/json"}}, nil
}

// do 发送 POST，返回状态码和响应体
func (r *request) do(ctx context.Context, client *http.Client) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(r.body))
	if err != nil {
		return 0, nil, errors.Wrap(err, "创建请求失败")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "发送请求失败")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "读取响应失败")
	}
	return resp.StatusCode, data, nil
}
