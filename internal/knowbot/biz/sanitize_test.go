package biz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kart-io/knowbot/internal/knowbot/biz"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text unchanged",
			in:   "운영 시간은 오전 9시부터입니다.",
			want: "운영 시간은 오전 9시부터입니다.",
		},
		{
			name: "headers stripped",
			in:   "## 안내\n운영 시간입니다.",
			want: "안내\n운영 시간입니다.",
		},
		{
			name: "bullets stripped",
			in:   "- 첫째\n* 둘째\n+ 셋째",
			want: "첫째\n둘째\n셋째",
		},
		{
			name: "ordered list stripped",
			in:   "1. 첫째\n2. 둘째",
			want: "첫째\n둘째",
		},
		{
			name: "blockquote stripped",
			in:   "> 인용된 안내",
			want: "인용된 안내",
		},
		{
			name: "bold and code removed",
			in:   "**중요** 내용은 `코드` 입니다.",
			want: "중요 내용은 코드 입니다.",
		},
		{
			name: "code fence removed",
			in:   "안내:\n```\nsome code\n```\n끝",
			want: "안내:\nsome code\n끝",
		},
		{
			name: "horizontal rule removed",
			in:   "위\n---\n아래",
			want: "위\n아래",
		},
		{
			name: "blank runs collapsed and trimmed",
			in:   "\n\n첫 줄\n\n\n\n둘째 줄  \n",
			want: "첫 줄\n\n둘째 줄",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, biz.Sanitize(tt.in))
		})
	}
}
