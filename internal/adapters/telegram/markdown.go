package telegram

import (
	"strconv"
	"strings"
)

// markdownV2Special — символы, требующие экранирования в MarkdownV2.
const markdownV2Special = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 экранирует спецсимволы MarkdownV2 в обычном тексте.
func EscapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatChannelSummary собирает сообщение с резюме поста канала:
// заголовок, текст резюме и ссылка на оригинал.
func FormatChannelSummary(channel string, postID int64, summary string) string {
	var b strings.Builder
	b.WriteString("*@")
	b.WriteString(EscapeMarkdownV2(channel))
	b.WriteString("*\n\n")
	b.WriteString(EscapeMarkdownV2(summary))
	b.WriteString("\n\n[Открыть пост](https://t.me/")
	b.WriteString(channel)
	b.WriteString("/")
	b.WriteString(strconv.FormatInt(postID, 10))
	b.WriteString(")")
	return b.String()
}

// FormatPlainSummary — запасной вариант без разметки,
// на случай отказа форматирования на стороне Telegram.
func FormatPlainSummary(channel string, postID int64, summary string) string {
	var b strings.Builder
	b.WriteString("@")
	b.WriteString(channel)
	b.WriteString("\n\n")
	b.WriteString(summary)
	b.WriteString("\n\nОткрыть пост: https://t.me/")
	b.WriteString(channel)
	b.WriteString("/")
	b.WriteString(strconv.FormatInt(postID, 10))
	return b.String()
}
