package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageRespectsLimit(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("а", 3000))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("б", 2000))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("в", 500))

	parts := SplitMessage(builder.String())
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}

	for i, part := range parts {
		if length := len([]rune(part)); length > messageLimit {
			t.Fatalf("часть %d превышает лимит: %d", i, length)
		}
	}

	if parts[0] != strings.Repeat("а", 3000) {
		t.Fatal("первая часть должна кончаться на границе строки")
	}

	if !strings.HasPrefix(parts[1], "б") {
		t.Fatalf("неожиданное начало второй части: %q", []rune(parts[1])[0])
	}

	if !strings.HasSuffix(parts[1], strings.Repeat("в", 500)) {
		t.Fatal("хвостовой блок должен попасть во вторую часть")
	}
}

func TestSplitMessageShortText(t *testing.T) {
	text := "короткое резюме"
	parts := SplitMessage(text)
	if len(parts) != 1 {
		t.Fatalf("ожидали одну часть, получили %d", len(parts))
	}
	if parts[0] != text {
		t.Fatalf("неожиданный текст: %q", parts[0])
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	parts := SplitMessage("   \n  ")
	if len(parts) != 0 {
		t.Fatalf("для пустого текста частей быть не должно, получили %d", len(parts))
	}
}
