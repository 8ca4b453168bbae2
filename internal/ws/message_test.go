package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIncomingValidFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want IncomingFrame
	}{
		{
			name: "open thread",
			raw:  `{"type":"open_thread","thread_id":"t1"}`,
			want: IncomingFrame{Type: FrameOpenThread, ThreadID: "t1"},
		},
		{
			name: "send",
			raw:  `{"type":"send","content":"hello","client_ref":"ref-1"}`,
			want: IncomingFrame{Type: FrameSend, Content: "hello", ClientRef: "ref-1"},
		},
		{
			name: "retry",
			raw:  `{"type":"retry","client_ref":"ref-1"}`,
			want: IncomingFrame{Type: FrameRetry, ClientRef: "ref-1"},
		},
		{
			name: "close thread",
			raw:  `{"type":"close_thread"}`,
			want: IncomingFrame{Type: FrameCloseThread},
		},
		{
			name: "typing",
			raw:  `{"type":"typing"}`,
			want: IncomingFrame{Type: FrameTyping},
		},
		{
			name: "mark read",
			raw:  `{"type":"mark_read"}`,
			want: IncomingFrame{Type: FrameMarkRead},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseIncoming([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseIncomingRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"unknown type", `{"type":"dance"}`},
		{"unknown field", `{"type":"typing","bogus":1}`},
		{"open without thread id", `{"type":"open_thread"}`},
		{"send without content", `{"type":"send","client_ref":"r"}`},
		{"send without client ref", `{"type":"send","content":"hi"}`},
		{"retry without client ref", `{"type":"retry"}`},
		{"wrong field type", `{"type":"send","content":7,"client_ref":"r"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseIncoming([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}
