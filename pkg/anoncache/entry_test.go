package anoncache

import (
	"bytes"
	"testing"
)

func TestEntry_Body(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
		want   []byte
	}{
		{name: "no chunks", chunks: nil, want: []byte{}},
		{name: "single chunk", chunks: [][]byte{[]byte("hello")}, want: []byte("hello")},
		{
			name:   "chunks join in order",
			chunks: [][]byte{[]byte("<html>"), []byte("body"), []byte("</html>")},
			want:   []byte("<html>body</html>"),
		},
		{
			name:   "empty chunk preserved",
			chunks: [][]byte{[]byte("a"), {}, []byte("b")},
			want:   []byte("ab"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{Chunks: tt.chunks}
			if got := e.Body(); !bytes.Equal(got, tt.want) {
				t.Errorf("Body() = %q, want %q", got, tt.want)
			}
		})
	}
}
