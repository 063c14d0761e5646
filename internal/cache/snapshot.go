package cache

import (
	"net/http"
	"time"

	"github.com/offcache/offcache/internal/fetch"
)

// StoredResponse 是写入时刻的不可变响应快照。
type StoredResponse struct {
	Status   int                `msgpack:"status" cbor:"status" json:"status"`
	Header   http.Header        `msgpack:"header" cbor:"header" json:"header"`
	Body     []byte             `msgpack:"body" cbor:"body" json:"body"`
	Type     fetch.ResponseType `msgpack:"type" cbor:"type" json:"type"`
	URL      string             `msgpack:"url" cbor:"url" json:"url"`
	StoredAt time.Time          `msgpack:"stored_at" cbor:"stored_at" json:"stored_at"`
}

// Snapshot 拷贝 resp，调用方后续修改 resp 不会影响快照。
func Snapshot(resp *fetch.Response, storedAt time.Time) *StoredResponse {
	if resp == nil {
		return nil
	}
	cloned := resp.Clone()
	return &StoredResponse{
		Status:   cloned.Status,
		Header:   cloned.Header,
		Body:     cloned.Body,
		Type:     cloned.Type,
		URL:      cloned.URL,
		StoredAt: storedAt.UTC(),
	}
}

// Response 将快照还原为可回写给客户端的响应副本。
func (s *StoredResponse) Response() *fetch.Response {
	if s == nil {
		return nil
	}
	resp := &fetch.Response{
		Status: s.Status,
		Header: s.Header.Clone(),
		Body:   append([]byte(nil), s.Body...),
		Type:   s.Type,
		URL:    s.URL,
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return resp
}
