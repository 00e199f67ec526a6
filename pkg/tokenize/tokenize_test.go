package tokenize

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", []string{}},
		{"blank", "  \t\n ", []string{}},
		{"drops short words", "Hello world this is a test", []string{"hello", "world", "this", "test"}},
		{"dedupes keeping first", "Go go GOPHER gopher gophers", []string{"gopher", "gophers"}},
		{"keeps punctuation", "What's up, doc?", []string{"what's", "up,", "doc?"}},
		{"unicode whitespace", "alpha\u00a0beta\u2003gamma", []string{"alpha", "beta", "gamma"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTokenizeCap(t *testing.T) {
	var words []string
	for i := 0; i < 80; i++ {
		words = append(words, fmt.Sprintf("word%03d", i))
	}
	got := Tokenize(strings.Join(words, " "))
	if len(got) != MaxTokens {
		t.Fatalf("got %d tokens, want %d", len(got), MaxTokens)
	}
	if got[0] != "word000" || got[MaxTokens-1] != "word049" {
		t.Errorf("cap kept %q..%q", got[0], got[MaxTokens-1])
	}
}

func TestTokenizeCountsCharacters(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"日本 où ab abc", []string{"abc"}},
		{"éé ééé", []string{"ééé"}},
		{"東京都 café", []string{"東京都", "café"}},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := Terms("日本"); len(got) != 0 {
		t.Errorf("Terms kept %q", got)
	}
}

func TestTokenizeCapCountsRepeats(t *testing.T) {
	text := strings.Repeat("same ", 60) + "tail"
	got := Tokenize(text)
	if !reflect.DeepEqual(got, []string{"same"}) {
		t.Errorf("Tokenize = %q, want [same]", got)
	}

	// short words do not use up the cap
	text = strings.Repeat("ab ", 100) + strings.Repeat("word ", 49) + "last"
	got = Tokenize(text)
	if !reflect.DeepEqual(got, []string{"word", "last"}) {
		t.Errorf("Tokenize = %q, want [word last]", got)
	}
}

func TestWordsAndScore(t *testing.T) {
	terms := Words("Go  is FUN go")
	if !reflect.DeepEqual(terms, []string{"go", "is", "fun"}) {
		t.Fatalf("Words = %q", terms)
	}
	if got := Score("this is a golang thread", terms); got != 2 {
		t.Errorf("Score = %d, want 2", got)
	}
	if got := Score("nothing here", []string{"xyz"}); got != 0 {
		t.Errorf("Score = %d, want 0", got)
	}
}
