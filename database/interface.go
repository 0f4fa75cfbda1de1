package database

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// 集合名称
const (
	CollectionSignals  = "signals"
	CollectionAccounts = "copy_trading_accounts"
	CollectionErrors   = "error_records"
)

// ErrNotFound 文档不存在
var ErrNotFound = errors.New("document not found")

// Filter 查询条件：顶层字段等值匹配，值只支持标量（字符串、数字、布尔）
type Filter map[string]interface{}

// DocumentStore 文档存储接口
type DocumentStore interface {
	// Get 读取单个文档并解码到 out，不存在时返回 ErrNotFound
	Get(ctx context.Context, collection, id string, out interface{}) error

	// Query 按字段过滤，out 必须是切片指针，结果按 id 升序
	Query(ctx context.Context, collection string, filter Filter, out interface{}) error

	// Set 写入完整文档（覆盖）
	Set(ctx context.Context, collection, id string, doc interface{}) error

	// Update 合并顶层字段，值为 nil 时删除该字段，不存在时返回 ErrNotFound
	Update(ctx context.Context, collection, id string, patch map[string]interface{}) error

	// Close 关闭存储
	Close() error
}

// toFields 把文档编码为顶层字段 map
func toFields(doc interface{}) (map[string]interface{}, []byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode document")
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, nil, errors.Wrap(err, "document must be a JSON object")
	}
	return fields, body, nil
}

// normalize 把任意标量统一为 JSON 解码后的类型（float64/string/bool）
func normalize(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// encodeScalar 标量编码，用于字段索引；非标量返回 false
func encodeScalar(v interface{}) (string, bool) {
	switch v.(type) {
	case string, float64, bool:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	default:
		return "", false
	}
}

func matches(fields map[string]interface{}, filter Filter) bool {
	for key, want := range filter {
		got, ok := fields[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, normalize(want)) {
			return false
		}
	}
	return true
}

// decodeList 把多个文档 body 解码到切片指针
func decodeList(bodies [][]byte, out interface{}) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("query output must be a pointer to slice, got %T", out)
	}
	buf := []byte{'['}
	for i, b := range bodies {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, b...)
	}
	buf = append(buf, ']')
	return errors.Wrap(json.Unmarshal(buf, out), "decode documents")
}

// applyPatch 合并 patch 到字段 map
func applyPatch(fields map[string]interface{}, patch map[string]interface{}) {
	for k, v := range patch {
		if v == nil || isNilPointer(v) {
			delete(fields, k)
			continue
		}
		fields[k] = normalize(v)
	}
}

func isNilPointer(v interface{}) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}
