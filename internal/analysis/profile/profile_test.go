package profile

import (
	"strings"
	"testing"

	"github.com/luoxiaohei/rolechat/internal/model/persona"
)

func TestExtractRegister(t *testing.T) {
	cases := []struct {
		id       string
		register string
	}{
		{"amiya", "温柔"},
		{"kaltsit", "冷静"},
	}

	seeds := persona.Seed()
	for _, tc := range cases {
		var target persona.Persona
		for _, p := range seeds {
			if p.ID == tc.id {
				target = p
			}
		}
		if got := Extract(target).Register; got != tc.register {
			t.Errorf("Extract(%s).Register = %q, want %q", tc.id, got, tc.register)
		}
	}
}

func TestSummaryContainsIdentity(t *testing.T) {
	prof := Extract(persona.Seed()[0])
	summary := prof.Summary()

	for _, want := range []string{"id=amiya", "阿米娅", "专长:", "关键词:"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary() = %q, missing %q", summary, want)
		}
	}
}

func TestScore(t *testing.T) {
	prof := Extract(persona.Seed()[2]) // 德克萨斯

	if s := prof.Score("企鹅物流的配送安排"); s < 4 {
		t.Fatalf("keyword-heavy score = %d, want >= 4", s)
	}
	named := prof.Score("德克萨斯在吗")
	plain := prof.Score("今天吃什么")
	if named <= plain {
		t.Fatalf("name mention score %d must beat unrelated %d", named, plain)
	}
	if plain != 0 {
		t.Fatalf("unrelated score = %d, want 0", plain)
	}
}
