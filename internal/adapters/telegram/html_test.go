package telegram

import "testing"

func TestToHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bold and italic", in: "**Главное** и *детали*", want: "<b>Главное</b> и <i>детали</i>"},
		{name: "escape", in: "a < b & c", want: "a &lt; b &amp; c"},
		{name: "link", in: "[пост](https://t.me/news/1?a=1&b=2)", want: `<a href="https://t.me/news/1?a=1&amp;b=2">пост</a>`},
		{name: "code keeps markers", in: "`**x**` и **y**", want: "<code>**x**</code> и <b>y</b>"},
		{name: "fence", in: "```go\nfmt.Println(\"<>\")\n```", want: "<pre>fmt.Println(&#34;&lt;&gt;&#34;)</pre>"},
		{name: "bullets", in: "* первый\n* второй", want: "• первый\n• второй"},
		{name: "underline and strike", in: "__u__ ~~s~~", want: "<u>u</u> <s>s</s>"},
		{name: "snake case untouched", in: "poll_message_ids", want: "poll_message_ids"},
		{name: "unbalanced left as is", in: "**обрыв", want: "**обрыв"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToHTML(tt.in); got != tt.want {
				t.Fatalf("ToHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText("**Итоги**: [пост](https://t.me/a/1)\n* пункт")
	want := "Итоги: пост (https://t.me/a/1)\n• пункт"
	if got != want {
		t.Fatalf("PlainText() = %q, want %q", got, want)
	}
}
