package delivery

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// Callback actions carried in inline button data as "<action>:<task id>".
const (
	ActionApprove       = "approve"
	ActionEdit          = "edit"
	ActionCancelEdit    = "canceledit"
	ActionRegenerate    = "regen"
	ActionRegenPaid     = "regenpaid"
	ActionCancel        = "cancel"
	ActionAutoTitle     = "autotitle"
	ActionConfirmAudio  = "pay"
	ActionTopUp         = "topup"
	ActionSecondVariant = "variant"
	ActionPreset        = "preset"
	ActionCategory      = "category"
	ActionMenu          = "menu"
	ActionAmount        = "amount"
	ActionPaidText      = "paidtext"
)

// Main menu entries carried as the argument of ActionMenu.
const (
	MenuCreate  = "create"
	MenuPresets = "presets"
	MenuBalance = "balance"
	MenuHelp    = "help"
)

// Button is one inline button. Data is callback data, URL opens a link.
type Button struct {
	Text string
	Data string
	URL  string
}

// Keyboard is rows of buttons.
type Keyboard [][]Button

func CallbackData(action string, taskID uuid.UUID) string {
	return action + ":" + taskID.String()
}

// Data builds callback data for a non-task argument such as a preset id.
func Data(action, arg string) string {
	return action + ":" + arg
}

// ParseCallback splits callback data into action and argument.
func ParseCallback(data string) (action, arg string) {
	action, arg, _ = strings.Cut(data, ":")
	return action, arg
}

func (k Keyboard) markup() *tgbotapi.InlineKeyboardMarkup {
	if len(k) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(k))
	for _, row := range k {
		var btns []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			if b.URL != "" {
				btns = append(btns, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btns...))
	}
	m := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &m
}

func ReviewKeyboard(taskID uuid.UUID, canRegenerate bool) Keyboard {
	k := Keyboard{
		{{Text: "✅ Утвердить", Data: CallbackData(ActionApprove, taskID)}},
		{{Text: "✏️ Правки", Data: CallbackData(ActionEdit, taskID)}},
	}
	if canRegenerate {
		k = append(k, []Button{{Text: "🔄 Новый вариант", Data: CallbackData(ActionRegenerate, taskID)}})
	}
	return append(k, []Button{{Text: "❌ Отмена", Data: CallbackData(ActionCancel, taskID)}})
}

func EditKeyboard(taskID uuid.UUID) Keyboard {
	return Keyboard{{{Text: "↩️ Назад", Data: CallbackData(ActionCancelEdit, taskID)}}}
}

func TitleKeyboard(taskID uuid.UUID) Keyboard {
	return Keyboard{
		{{Text: "🎲 Придумай сам", Data: CallbackData(ActionAutoTitle, taskID)}},
		{{Text: "❌ Отмена", Data: CallbackData(ActionCancel, taskID)}},
	}
}

func PaymentKeyboard(taskID uuid.UUID) Keyboard {
	return Keyboard{
		{{Text: "💳 Пополнить", Data: CallbackData(ActionTopUp, taskID)}},
		{{Text: "▶️ Я пополнил, продолжить", Data: CallbackData(ActionConfirmAudio, taskID)}},
		{{Text: "❌ Отмена", Data: CallbackData(ActionCancel, taskID)}},
	}
}

func SecondVariantKeyboard(taskID uuid.UUID) Keyboard {
	return Keyboard{{{Text: "🎧 Второй вариант", Data: CallbackData(ActionSecondVariant, taskID)}}}
}

func MainMenuKeyboard() Keyboard {
	return Keyboard{
		{{Text: "🎵 Создать трек", Data: Data(ActionMenu, MenuCreate)}},
		{{Text: "📚 Пресеты", Data: Data(ActionMenu, MenuPresets)}},
		{{Text: "💰 Баланс", Data: Data(ActionMenu, MenuBalance)}, {Text: "❓ Помощь", Data: Data(ActionMenu, MenuHelp)}},
	}
}

// ChoiceKeyboard lays out one button per option, each carrying action:id.
func ChoiceKeyboard(action string, ids, labels []string) Keyboard {
	k := make(Keyboard, 0, len(ids)+1)
	for i, id := range ids {
		k = append(k, []Button{{Text: labels[i], Data: Data(action, id)}})
	}
	return append(k, []Button{{Text: "🏠 Меню", Data: Data(ActionMenu, "")}})
}

// TopUpKeyboard offers fixed top-up amounts; labels are rendered by the caller.
func TopUpKeyboard(amounts []int64, label func(int64) string) Keyboard {
	var k Keyboard
	var row []Button
	for _, a := range amounts {
		row = append(row, Button{Text: label(a), Data: Data(ActionAmount, strconv.FormatInt(a, 10))})
		if len(row) == 2 {
			k = append(k, row)
			row = nil
		}
	}
	if len(row) > 0 {
		k = append(k, row)
	}
	return k
}

func PaidTextKeyboard(priceLabel string) Keyboard {
	return Keyboard{
		{{Text: "💳 Оплатить текст " + priceLabel, Data: Data(ActionPaidText, "")}},
		{{Text: "💰 Пополнить", Data: Data(ActionMenu, MenuBalance)}},
	}
}

func LinkKeyboard(text, url string) Keyboard {
	return Keyboard{{{Text: text, URL: url}}}
}
