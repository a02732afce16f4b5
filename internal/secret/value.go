package secret

import (
	"mime"
	"sync"
)

// ContentTypeText is the content type of values created by NewTextValue.
const ContentTypeText = "text/plain"

// Value is a secret payload. Its buffer is locked into memory where the
// platform allows it and is zeroed by Wipe.
type Value struct {
	mu          sync.Mutex
	data        []byte
	contentType string
	pinned      bool
}

// NewValue copies data into a new Value.
func NewValue(data []byte, contentType string) *Value {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	v := &Value{
		data:        append(make([]byte, 0, len(data)), data...),
		contentType: contentType,
	}
	v.pinned = len(v.data) > 0 && lockMemory(v.data) == nil
	return v
}

// NewTextValue stores s as a text/plain value.
func NewTextValue(s string) *Value {
	return NewValue([]byte(s), ContentTypeText)
}

// Bytes returns the payload. The slice aliases the Value's buffer and is
// invalid after Wipe.
func (v *Value) Bytes() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.data
}

// Text returns the payload as a string if the content type is text/plain.
func (v *Value) Text() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	mt, _, err := mime.ParseMediaType(v.contentType)
	if err != nil || mt != ContentTypeText {
		return "", false
	}
	return string(v.data), true
}

func (v *Value) ContentType() string {
	return v.contentType
}

func (v *Value) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.data)
}

// Wipe zeroes the payload and releases the memory lock.
func (v *Value) Wipe() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.data)
	if v.pinned {
		unlockMemory(v.data)
		v.pinned = false
	}
	v.data = nil
}
