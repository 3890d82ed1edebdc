package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// record 是条目的持久化形态，fs 驱动只写入元数据（Body 为空），
// redis 驱动把正文一起编码进同一个 hash 字段。
type record struct {
	Method   string              `msgpack:"m"`
	URL      string              `msgpack:"u"`
	Status   int                 `msgpack:"s"`
	Header   map[string][]string `msgpack:"h"`
	StoredAt time.Time           `msgpack:"t"`
	Size     int64               `msgpack:"n"`
	Digest   string              `msgpack:"d,omitempty"`
	Body     []byte              `msgpack:"b,omitempty"`
}

func newRecord(key Key, resp *Response, withBody bool) record {
	rec := record{
		Method:   key.Method,
		URL:      key.URL,
		Status:   resp.Status,
		Header:   map[string][]string(resp.Header.Clone()),
		StoredAt: resp.StoredAt,
		Size:     int64(len(resp.Body)),
		Digest:   bodyDigest(resp.Body),
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now().UTC()
	}
	if withBody {
		rec.Body = resp.Body
	}
	return rec
}

// matches 校验正文与元数据是否属于同一次写入。
func (r record) matches(body []byte) bool {
	if int64(len(body)) != r.Size {
		return false
	}
	return r.Digest == "" || r.Digest == bodyDigest(body)
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (r record) key() Key {
	return Key{Method: r.Method, URL: r.URL}
}

func (r record) response(cacheName string, body []byte) *Response {
	header := http.Header(r.Header)
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		URL:       r.URL,
		Status:    r.Status,
		Header:    header,
		Body:      body,
		StoredAt:  r.StoredAt,
		CacheName: cacheName,
	}
}

func encodeRecord(rec record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func decodeRecord(data []byte) (record, error) {
	var rec record
	err := msgpack.Unmarshal(data, &rec)
	return rec, err
}
