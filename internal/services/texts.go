package services

import (
	"fmt"
	"strings"

	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/models"
)

// Stage labels shown in the status message.
const (
	stageQueued      = "В очереди"
	stageText        = "Пишу текст"
	stageTags        = "Подбираю стиль"
	stageEdit        = "Вношу правки"
	stageAudioQueued = "Оплата принята, трек в очереди"
	stageAudio       = "Генерирую музыку"
	stageDownload    = "Скачиваю трек"
	stageSending     = "Отправляю трек"
)

const (
	msgGeneric        = "Что-то пошло не так. Попробуйте ещё раз."
	msgMissingData    = "Данные не найдены, начните заново: /start"
	msgDeliveryFailed = "Не удалось отправить трек."
	msgRefunded       = "Списанные средства возвращены на баланс."
	msgEditPrompt     = "Напишите одним сообщением, что поменять в тексте."
	msgCanceled       = "Заказ отменён."
	msgDone           = "✅ Готово! Трек отправлен."
	msgLyricsAttached = "Текст целиком во вложении."
	msgVariantExpired = "Второй вариант больше недоступен: срок хранения истёк."
	msgStalled        = "Генерация прервалась и не была завершена."
	msgRecovered      = "✅ Трек готов. Если файл не пришёл, запросите второй вариант."
)

// FormatRub renders kopecks as rubles.
func FormatRub(kopecks int64) string {
	if kopecks%100 == 0 {
		return fmt.Sprintf("%d ₽", kopecks/100)
	}
	return fmt.Sprintf("%d.%02d ₽", kopecks/100, kopecks%100)
}

func progressText(stage string, pct int) string {
	pct = min(max(pct, 0), 100)
	filled := pct / 10
	bar := strings.Repeat("▓", filled) + strings.Repeat("░", 10-filled)
	return fmt.Sprintf("⏳ %s…\n%s %d%%", stage, bar, pct)
}

func reviewText(t *models.Task, preset catalog.Preset) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎵 %s\n\n", preset.Title)
	if t.SuggestedTitle != nil {
		fmt.Fprintf(&b, "Название: %s\n\n", *t.SuggestedTitle)
	}
	b.WriteString(t.Lyrics())
	fmt.Fprintf(&b, "\n\nСтиль: %s", t.Tags())
	return b.String()
}

func reviewSummary(t *models.Task, preset catalog.Preset) string {
	return fmt.Sprintf("🎵 %s\n\n%s\n\nСтиль: %s", preset.Title, msgLyricsAttached, t.Tags())
}

func titlePrompt(t *models.Task) string {
	s := "Как назовём трек? Напишите название (до 40 символов)"
	if t.SuggestedTitle != nil {
		s += fmt.Sprintf(" или нажмите «Придумай сам», и я возьму «%s»", *t.SuggestedTitle)
	}
	return s + "."
}

func paymentText(t *models.Task, price int64) string {
	return fmt.Sprintf("Трек «%s» стоит %s. На балансе недостаточно средств: пополните баланс и нажмите «Продолжить».",
		t.Title(), FormatRub(price))
}

func failedText(msg string, refunded bool) string {
	s := "❌ " + msg
	if refunded {
		s += "\n" + msgRefunded
	}
	return s
}

func trackCaption(t *models.Task) string {
	return "🎧 " + t.Title()
}

func variantCaption(tr *models.Track) string {
	return "🎧 " + tr.Title + " (вариант 2)"
}
