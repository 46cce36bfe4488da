package model

import "testing"

// TestParseFormattedResponseArity 0/1/2/≥2 个分隔符分别得到 1/2/3/3 个字段
func TestParseFormattedResponseArity(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		fields int
	}{
		{"no delimiter", "你好", 1},
		{"one delimiter", "你好\n---\nNǐ hǎo", 2},
		{"two delimiters", "你好\n---\nNǐ hǎo\n---\nHello", 3},
		{"three delimiters", "你好\n---\nNǐ hǎo\n---\nHello\n---\nextra", 3},
		{"many delimiters", "a---b---c---d---e", 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := ParseFormattedResponse(tc.input)
			if got := r.Fields(); got != tc.fields {
				t.Fatalf("expected %d fields, got %d (%+v)", tc.fields, got, r)
			}
		})
	}
}

func TestParseFormattedResponseIgnoresExtraSegments(t *testing.T) {
	r := ParseFormattedResponse("a---b---c---d")
	if r.Traditional != "a" || r.Pinyin != "b" || r.English != "c" {
		t.Fatalf("unexpected parse: %+v", r)
	}
}

func TestParseFormattedResponseLenient(t *testing.T) {
	for _, input := range []string{"", "---", "------", "\n---\n\n---\n"} {
		r := ParseFormattedResponse(input)
		if r.Fields() != 0 {
			t.Fatalf("expected no populated fields for %q, got %+v", input, r)
		}
	}
}

func TestParseFormattedResponseTrims(t *testing.T) {
	r := ParseFormattedResponse("你好！要聊家務嗎？\n---\nNǐ hǎo! Yào liáo jiāwù ma?\n---\nHello! Want to talk about chores?")
	want := FormattedResponse{
		Traditional: "你好！要聊家務嗎？",
		Pinyin:      "Nǐ hǎo! Yào liáo jiāwù ma?",
		English:     "Hello! Want to talk about chores?",
	}
	if r != want {
		t.Fatalf("expected %+v, got %+v", want, r)
	}
	if again := ParseFormattedResponse(r.String()); again != want {
		t.Fatalf("String should produce a parseable value, got %+v", again)
	}
}
