package prompt_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/starlight/internal/prompt"
	"github.com/MrWong99/starlight/internal/toolbridge"
)

func TestFormat_Empty(t *testing.T) {
	t.Parallel()
	if got := prompt.Format(prompt.Input{Instructions: "  \n"}); got != "" {
		t.Errorf("Format = %q, want empty", got)
	}
}

func TestFormat_InstructionsOnly(t *testing.T) {
	t.Parallel()
	got := prompt.Format(prompt.Input{Instructions: "\nあなたはカフェの店員です。\n"})
	if got != "あなたはカフェの店員です。" {
		t.Errorf("Format = %q", got)
	}
}

func TestFormat_AllSections(t *testing.T) {
	t.Parallel()
	got := prompt.Format(prompt.Input{
		Instructions: "あなたはStarlight Cafeのパトリックです。",
		Language:     "Japanese",
		Menu: []toolbridge.MenuItem{
			{Name: "カフェラテ", Price: 550, Aliases: []string{"latte"}},
			{Name: "日替わりパスタ", Price: 1000},
		},
		Tools: []string{toolbridge.ConfirmOrderTool},
	})

	wantInOrder := []string{
		"あなたはStarlight Cafeのパトリックです。",
		"## Language\nAlways speak Japanese",
		"## Menu\n- カフェラテ: 550円 (also called latte)\n- 日替わりパスタ: 1,000円",
		"## Taking Orders\n",
		"call confirm_order once",
		"The total must equal",
	}
	rest := got
	for _, want := range wantInOrder {
		i := strings.Index(rest, want)
		if i < 0 {
			t.Fatalf("missing or out of order: %q\nin:\n%s", want, got)
		}
		rest = rest[i+len(want):]
	}
}

func TestFormat_OrderingNeedsTool(t *testing.T) {
	t.Parallel()
	got := prompt.Format(prompt.Input{
		Menu:  []toolbridge.MenuItem{{Name: "エスプレッソ", Price: 350}},
		Tools: []string{"lookup_hours"},
	})
	if strings.Contains(got, "## Taking Orders") {
		t.Errorf("ordering section rendered without the order tool:\n%s", got)
	}
	if !strings.HasPrefix(got, "## Menu\n") {
		t.Errorf("Format = %q, want the menu section first", got)
	}
}

func TestFormat_Prices(t *testing.T) {
	t.Parallel()
	tests := []struct {
		price float64
		want  string
	}{
		{0, "0円"},
		{450, "450円"},
		{1000, "1,000円"},
		{1234567, "1,234,567円"},
		{4.5, "4.50円"},
	}
	for _, tt := range tests {
		got := prompt.Format(prompt.Input{Menu: []toolbridge.MenuItem{{Name: "x", Price: tt.price}}})
		if !strings.Contains(got, "- x: "+tt.want+"\n") {
			t.Errorf("price %v: got %q, want %q", tt.price, got, tt.want)
		}
	}
}
