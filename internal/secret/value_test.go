package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewValueCopies(t *testing.T) {
	data := []byte("token")
	v := NewValue(data, "")
	data[0] = 'X'

	assert.Equal(t, []byte("token"), v.Bytes())
	assert.Equal(t, "application/octet-stream", v.ContentType())
	assert.Equal(t, 5, v.Len())
	_, ok := v.Text()
	assert.False(t, ok)
}

func TestValueText(t *testing.T) {
	tests := []struct {
		contentType string
		ok          bool
	}{
		{ContentTypeText, true},
		{"text/plain; charset=utf-8", true},
		{"application/json", false},
		{"not a media type;;", false},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			text, ok := NewValue([]byte("hello"), tt.contentType).Text()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "hello", text)
			}
		})
	}
}

func TestValueWipe(t *testing.T) {
	v := NewTextValue("hunter2")
	buf := v.Bytes()
	v.Wipe()

	assert.Equal(t, make([]byte, 7), buf)
	assert.Nil(t, v.Bytes())
	assert.Zero(t, v.Len())
	v.Wipe()
}

func TestEmptyValue(t *testing.T) {
	v := NewValue(nil, "")
	assert.Zero(t, v.Len())
	assert.NotNil(t, v.Bytes())
	v.Wipe()
}
