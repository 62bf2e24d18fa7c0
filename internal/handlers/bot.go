// Package handlers holds the inbound surfaces: the Telegram update loop and
// the payment webhook. Both only translate input into pipeline and ledger
// calls; they never wait on the provider.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/ledger"
	"github.com/melodyforge/backend/internal/models"
	"github.com/melodyforge/backend/internal/payments"
	"github.com/melodyforge/backend/internal/repository"
	"github.com/melodyforge/backend/internal/services"
)

// BotPipeline is the set of task actions reachable from the chat.
type BotPipeline interface {
	SubmitBrief(ctx context.Context, req services.BriefRequest) (*models.Task, error)
	SubmitPaidBrief(ctx context.Context, req services.BriefRequest) (*models.Task, error)
	Approve(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error)
	RequestEdit(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error)
	CancelEdit(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error)
	SubmitEdit(ctx context.Context, taskID, accountID uuid.UUID, request string) (*models.Task, error)
	Regenerate(ctx context.Context, taskID, accountID uuid.UUID, paid bool) (*models.Task, error)
	Cancel(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error)
	SetTitle(ctx context.Context, taskID, accountID uuid.UUID, raw string) (*models.Task, error)
	AutoTitle(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error)
	ConfirmAudio(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error)
	RequestSecondVariant(ctx context.Context, taskID, accountID uuid.UUID, chatID int64) error
	Task(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error)
}

type BotLedger interface {
	GetOrCreateAccount(ctx context.Context, telegramID int64) (*models.Account, error)
	ApplyWelcomeBonus(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error)
	FreeQuotaRemaining(acc *models.Account) int
}

// Checkout opens top-up payments.
type Checkout interface {
	CreatePayment(ctx context.Context, amountKopecks int64, description string, telegramID int64) (*payments.Payment, error)
}

// Chat is the outbound side the bot uses for menus and replies.
type Chat interface {
	Send(ctx context.Context, chatID int64, text string, kb delivery.Keyboard) (int, error)
	Answer(callbackID, text string)
}

type Catalog interface {
	Get(id string) (catalog.Preset, bool)
	Categories() []catalog.Category
	ByCategory(categoryID string) []catalog.Preset
	Starter() (catalog.Preset, bool)
}

type BotConfig struct {
	WelcomeBonus int64
	TextPrice    int64
	TopUpAmounts []int64
	// Concurrency caps updates handled at once across all chats.
	Concurrency int
	SessionIdle time.Duration
}

// session is the per-chat scratchpad. It only points at the task; the task
// row is reread on every interaction.
type session struct {
	mu       sync.Mutex
	presetID string
	taskID   uuid.UUID
	// pending is a brief waiting for the user to accept the paid path.
	pending *services.BriefRequest
	seen    time.Time
}

type Bot struct {
	pipeline BotPipeline
	ledger   BotLedger
	checkout Checkout
	chat     Chat
	presets  Catalog
	cfg      BotConfig
	log      *slog.Logger

	smu      sync.Mutex
	sessions map[int64]*session
	now      func() time.Time
}

func NewBot(p BotPipeline, l BotLedger, checkout Checkout, chat Chat, presets Catalog, cfg BotConfig, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.TopUpAmounts) == 0 {
		cfg.TopUpAmounts = []int64{9900, 19900, 49900, 99900}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 24 * time.Hour
	}
	return &Bot{
		pipeline: p,
		ledger:   l,
		checkout: checkout,
		chat:     chat,
		presets:  presets,
		cfg:      cfg,
		log:      log,
		sessions: make(map[int64]*session),
		now:      time.Now,
	}
}

// Run handles updates until ctx is done or the channel closes. Updates from
// the same chat are serialized by the chat's session lock.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				b.Handle(gctx, u)
				return nil
			})
		}
	}
}

// Handle processes one update.
func (b *Bot) Handle(ctx context.Context, u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("update handler panicked", "update_id", u.UpdateID, "panic", r)
		}
	}()
	switch {
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil && u.CallbackQuery.From != nil:
		cq := u.CallbackQuery
		s := b.session(cq.Message.Chat.ID)
		s.mu.Lock()
		defer s.mu.Unlock()
		b.onCallback(ctx, s, cq)
	case u.Message != nil && u.Message.From != nil:
		m := u.Message
		s := b.session(m.Chat.ID)
		s.mu.Lock()
		defer s.mu.Unlock()
		if m.IsCommand() {
			b.onCommand(ctx, s, m)
		} else {
			b.onText(ctx, s, m)
		}
	}
}

func (b *Bot) session(chatID int64) *session {
	b.smu.Lock()
	defer b.smu.Unlock()
	now := b.now()
	s, ok := b.sessions[chatID]
	if !ok {
		for id, old := range b.sessions {
			if now.Sub(old.seen) > b.cfg.SessionIdle {
				delete(b.sessions, id)
			}
		}
		s = &session{}
		b.sessions[chatID] = s
	}
	s.seen = now
	return s
}

func (b *Bot) send(ctx context.Context, chatID int64, text string, kb delivery.Keyboard) {
	if _, err := b.chat.Send(ctx, chatID, text, kb); err != nil {
		b.log.Error("send reply failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) account(ctx context.Context, chatID, telegramID int64) (*models.Account, bool) {
	acc, err := b.ledger.GetOrCreateAccount(ctx, telegramID)
	if err != nil {
		b.log.Error("load account failed", "telegram_id", telegramID, "error", err)
		b.send(ctx, chatID, msgGeneric, nil)
		return nil, false
	}
	return acc, true
}

// ---------------------------------------------------------------------------
// Commands and menu
// ---------------------------------------------------------------------------

func (b *Bot) onCommand(ctx context.Context, s *session, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	acc, ok := b.account(ctx, chatID, m.From.ID)
	if !ok {
		return
	}
	switch m.Command() {
	case "start":
		b.start(ctx, acc, chatID)
	case "menu":
		b.send(ctx, chatID, msgMenu, delivery.MainMenuKeyboard())
	case "create":
		b.menu(ctx, s, acc, chatID, delivery.MenuCreate)
	case "presets":
		b.menu(ctx, s, acc, chatID, delivery.MenuPresets)
	case "balance":
		b.menu(ctx, s, acc, chatID, delivery.MenuBalance)
	case "help":
		b.menu(ctx, s, acc, chatID, delivery.MenuHelp)
	case "cancel":
		s.presetID, s.pending = "", nil
		if s.taskID != uuid.Nil {
			if _, err := b.pipeline.Cancel(ctx, s.taskID, acc.ID); err == nil {
				return
			}
		}
		b.send(ctx, chatID, msgNothingToCancel, delivery.MainMenuKeyboard())
	default:
		b.send(ctx, chatID, msgUnknownCommand, delivery.MainMenuKeyboard())
	}
}

func (b *Bot) start(ctx context.Context, acc *models.Account, chatID int64) {
	text := msgWelcome
	granted, err := b.ledger.ApplyWelcomeBonus(ctx, acc.ID, b.cfg.WelcomeBonus)
	if err != nil {
		b.log.Error("welcome bonus failed", "account_id", acc.ID, "error", err)
	}
	if granted && b.cfg.WelcomeBonus > 0 {
		text += fmt.Sprintf("\n\n🎁 На баланс начислено %s.", services.FormatRub(b.cfg.WelcomeBonus))
		b.log.Info("welcome bonus granted", "account_id", acc.ID, "amount", b.cfg.WelcomeBonus)
	}
	b.send(ctx, chatID, text, delivery.MainMenuKeyboard())
}

func (b *Bot) menu(ctx context.Context, s *session, acc *models.Account, chatID int64, item string) {
	switch item {
	case delivery.MenuCreate:
		p, ok := b.presets.Starter()
		if !ok {
			b.showCategories(ctx, chatID)
			return
		}
		b.choosePreset(ctx, s, chatID, p)
	case delivery.MenuPresets:
		b.showCategories(ctx, chatID)
	case delivery.MenuBalance:
		text := fmt.Sprintf("💰 Баланс: %s\n🎟 Бесплатных генераций текста сегодня: %d\n\nВыберите сумму пополнения:",
			services.FormatRub(acc.Balance), b.ledger.FreeQuotaRemaining(acc))
		b.send(ctx, chatID, text, b.topUpKeyboard())
	case delivery.MenuHelp:
		b.send(ctx, chatID, fmt.Sprintf(msgHelp, services.FormatRub(b.cfg.TextPrice)), delivery.MainMenuKeyboard())
	default:
		b.send(ctx, chatID, msgMenu, delivery.MainMenuKeyboard())
	}
}

func (b *Bot) topUpKeyboard() delivery.Keyboard {
	return delivery.TopUpKeyboard(b.cfg.TopUpAmounts, services.FormatRub)
}

func (b *Bot) showCategories(ctx context.Context, chatID int64) {
	cats := b.presets.Categories()
	ids := make([]string, len(cats))
	labels := make([]string, len(cats))
	for i, c := range cats {
		ids[i], labels[i] = c.ID, c.Title
	}
	b.send(ctx, chatID, "📚 Выберите категорию:", delivery.ChoiceKeyboard(delivery.ActionCategory, ids, labels))
}

func (b *Bot) showPresets(ctx context.Context, chatID int64, categoryID string) {
	list := b.presets.ByCategory(categoryID)
	if len(list) == 0 {
		b.showCategories(ctx, chatID)
		return
	}
	ids := make([]string, len(list))
	labels := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ID
		labels[i] = fmt.Sprintf("%s · %s", p.Title, services.FormatRub(p.PriceAudio))
	}
	b.send(ctx, chatID, "🎼 Выберите пресет:", delivery.ChoiceKeyboard(delivery.ActionPreset, ids, labels))
}

func (b *Bot) choosePreset(ctx context.Context, s *session, chatID int64, p catalog.Preset) {
	s.presetID, s.pending = p.ID, nil
	var sb strings.Builder
	fmt.Fprintf(&sb, "🎼 %s\n", p.Title)
	if p.Description != "" {
		fmt.Fprintf(&sb, "%s\n", p.Description)
	}
	sb.WriteString("\n")
	switch p.Mode {
	case catalog.ModeUserLyrics:
		sb.WriteString("Пришлите текст песни одним сообщением. Я разложу его по куплетам и припевам.")
	case catalog.ModeInstrumental:
		sb.WriteString("Опишите настроение и обстановку, для которой нужна музыка.")
	default:
		sb.WriteString("Расскажите, для кого песня и о чём она: имена, поводы, общие воспоминания.")
	}
	if p.Recommendations != "" {
		fmt.Fprintf(&sb, "\n\n💡 %s", p.Recommendations)
	}
	fmt.Fprintf(&sb, "\n\nСтоимость трека: %s", services.FormatRub(p.PriceAudio))
	b.send(ctx, chatID, sb.String(), nil)
}

// ---------------------------------------------------------------------------
// Free text
// ---------------------------------------------------------------------------

func (b *Bot) onText(ctx context.Context, s *session, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		b.send(ctx, chatID, msgTextOnly, nil)
		return
	}
	acc, ok := b.account(ctx, chatID, m.From.ID)
	if !ok {
		return
	}

	if s.taskID != uuid.Nil {
		t, err := b.pipeline.Task(ctx, s.taskID, acc.ID)
		if err == nil {
			switch t.Status {
			case models.TaskStatusTitleWaiting:
				_, err := b.pipeline.SetTitle(ctx, t.ID, acc.ID, text)
				b.report(ctx, chatID, t.ID, err)
				return
			case models.TaskStatusWaitingEditRequest:
				_, err := b.pipeline.SubmitEdit(ctx, t.ID, acc.ID, text)
				b.report(ctx, chatID, t.ID, err)
				return
			}
			if s.presetID == "" && !models.IsTerminal(t.Status) {
				b.send(ctx, chatID, msgBusy, nil)
				return
			}
		}
	}
	if s.presetID == "" {
		b.send(ctx, chatID, msgPickFirst, delivery.MainMenuKeyboard())
		return
	}

	p, ok := b.presets.Get(s.presetID)
	if !ok {
		s.presetID = ""
		b.send(ctx, chatID, msgPickFirst, delivery.MainMenuKeyboard())
		return
	}
	req := services.BriefRequest{AccountID: acc.ID, PresetID: p.ID, Brief: text, ChatID: chatID}
	if p.Mode == catalog.ModeUserLyrics {
		req.Brief, req.UserLyrics = "", text
	}
	t, err := b.pipeline.SubmitBrief(ctx, req)
	if errors.Is(err, services.ErrPaymentRequired) {
		s.pending = &req
		price := services.FormatRub(b.cfg.TextPrice)
		b.send(ctx, chatID, fmt.Sprintf("🎟 Бесплатные генерации на сегодня закончились. Текст можно получить за %s.", price),
			delivery.PaidTextKeyboard(price))
		return
	}
	if err != nil {
		b.report(ctx, chatID, uuid.Nil, err)
		return
	}
	s.presetID, s.taskID = "", t.ID
}

// ---------------------------------------------------------------------------
// Buttons
// ---------------------------------------------------------------------------

func (b *Bot) onCallback(ctx context.Context, s *session, cq *tgbotapi.CallbackQuery) {
	chatID := cq.Message.Chat.ID
	answer := ""
	defer func() { b.chat.Answer(cq.ID, answer) }()

	acc, ok := b.account(ctx, chatID, cq.From.ID)
	if !ok {
		return
	}
	action, arg := delivery.ParseCallback(cq.Data)
	switch action {
	case delivery.ActionMenu:
		b.menu(ctx, s, acc, chatID, arg)
		return
	case delivery.ActionCategory:
		b.showPresets(ctx, chatID, arg)
		return
	case delivery.ActionPreset:
		p, ok := b.presets.Get(arg)
		if !ok {
			b.showCategories(ctx, chatID)
			return
		}
		b.choosePreset(ctx, s, chatID, p)
		return
	case delivery.ActionAmount:
		b.topUp(ctx, acc, chatID, arg)
		return
	case delivery.ActionPaidText:
		b.paidText(ctx, s, chatID)
		return
	}

	taskID, err := uuid.Parse(arg)
	if err != nil {
		b.log.Warn("malformed callback", "chat_id", chatID, "data", cq.Data)
		return
	}
	s.taskID = taskID
	switch action {
	case delivery.ActionApprove:
		_, err = b.pipeline.Approve(ctx, taskID, acc.ID)
	case delivery.ActionEdit:
		_, err = b.pipeline.RequestEdit(ctx, taskID, acc.ID)
	case delivery.ActionCancelEdit:
		_, err = b.pipeline.CancelEdit(ctx, taskID, acc.ID)
	case delivery.ActionRegenerate:
		_, err = b.pipeline.Regenerate(ctx, taskID, acc.ID, false)
		if errors.Is(err, services.ErrPaymentRequired) {
			price := services.FormatRub(b.cfg.TextPrice)
			b.send(ctx, chatID, fmt.Sprintf("🎟 Бесплатные генерации на сегодня закончились. Новый вариант стоит %s.", price),
				delivery.Keyboard{{{Text: "💳 Оплатить " + price, Data: delivery.CallbackData(delivery.ActionRegenPaid, taskID)}}})
			return
		}
	case delivery.ActionRegenPaid:
		_, err = b.pipeline.Regenerate(ctx, taskID, acc.ID, true)
	case delivery.ActionCancel:
		_, err = b.pipeline.Cancel(ctx, taskID, acc.ID)
	case delivery.ActionAutoTitle:
		_, err = b.pipeline.AutoTitle(ctx, taskID, acc.ID)
	case delivery.ActionConfirmAudio:
		_, err = b.pipeline.ConfirmAudio(ctx, taskID, acc.ID)
	case delivery.ActionTopUp:
		b.menu(ctx, s, acc, chatID, delivery.MenuBalance)
		return
	case delivery.ActionSecondVariant:
		err = b.pipeline.RequestSecondVariant(ctx, taskID, acc.ID, chatID)
		if err == nil {
			answer = "Готовлю второй вариант…"
		}
	default:
		b.log.Warn("unknown callback action", "chat_id", chatID, "action", action)
		return
	}
	b.report(ctx, chatID, taskID, err)
}

func (b *Bot) paidText(ctx context.Context, s *session, chatID int64) {
	if s.pending == nil {
		b.send(ctx, chatID, msgPickFirst, delivery.MainMenuKeyboard())
		return
	}
	t, err := b.pipeline.SubmitPaidBrief(ctx, *s.pending)
	if err != nil {
		b.report(ctx, chatID, uuid.Nil, err)
		return
	}
	s.pending, s.presetID, s.taskID = nil, "", t.ID
}

func (b *Bot) topUp(ctx context.Context, acc *models.Account, chatID int64, arg string) {
	amount, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || amount <= 0 {
		b.log.Warn("malformed top-up amount", "chat_id", chatID, "arg", arg)
		return
	}
	label := services.FormatRub(amount)
	p, err := b.checkout.CreatePayment(ctx, amount, "Пополнение баланса на "+label, acc.TelegramID)
	if err != nil {
		b.report(ctx, chatID, uuid.Nil, err)
		return
	}
	b.send(ctx, chatID, fmt.Sprintf("Счёт на %s готов. После оплаты баланс пополнится автоматически.", label),
		delivery.LinkKeyboard("💳 Оплатить "+label, p.Confirmation.URL))
}

// report turns an action error into a chat reply. Successful actions reply
// through the pipeline's own status message, so nil sends nothing.
func (b *Bot) report(ctx context.Context, chatID int64, taskID uuid.UUID, err error) {
	if err == nil {
		return
	}
	var text string
	var kb delivery.Keyboard
	switch {
	case errors.Is(err, services.ErrInvalidTitle):
		text = msgBadTitle
	case errors.Is(err, services.ErrWrongState), errors.Is(err, repository.ErrNotFound):
		text = msgStale
	case errors.Is(err, services.ErrRegenerationUsed):
		text = msgRegenUsed
	case errors.Is(err, services.ErrEmptyInput):
		text = msgTextOnly
	case errors.Is(err, services.ErrUnknownPreset):
		text, kb = msgPickFirst, delivery.MainMenuKeyboard()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		text, kb = msgNoFunds, b.topUpKeyboard()
	case errors.Is(err, payments.ErrNotConfigured):
		text = msgPaymentsOff
	default:
		b.log.Error("chat action failed", "chat_id", chatID, "task_id", taskID, "error", err)
		text = msgGeneric
	}
	b.send(ctx, chatID, text, kb)
}

const (
	msgWelcome = "👋 Привет! Я пишу песни на заказ: придумаю текст, подберу стиль и сведу трек.\n\n" +
		"Выберите пресет или просто нажмите «Создать трек»."
	msgMenu            = "🏠 Главное меню"
	msgHelp            = "1. Выберите пресет и опишите, о чём песня.\n2. Проверьте текст: утвердите, внесите правки или попросите новый вариант.\n3. Придумайте название и получите готовый трек.\n\nТекст: бесплатно несколько раз в день, дальше %s за вариант. Трек оплачивается с баланса по цене пресета."
	msgPickFirst       = "Сначала выберите, что создать 👇"
	msgBusy            = "⏳ Трек ещё в работе. Я напишу, как только будет результат."
	msgTextOnly        = "Пришлите, пожалуйста, текстовое сообщение."
	msgBadTitle        = "Название не подходит: до 40 символов и без символов \\ / : * ? \" < > |. Попробуйте другое."
	msgStale           = "Это действие уже недоступно."
	msgRegenUsed       = "Новый вариант можно получить только один раз."
	msgNoFunds         = "💰 Недостаточно средств на балансе. Пополните его:"
	msgPaymentsOff     = "Оплата временно недоступна. Попробуйте позже."
	msgGeneric         = "Что-то пошло не так. Попробуйте ещё раз."
	msgNothingToCancel = "Отменять нечего."
	msgUnknownCommand  = "Не знаю такой команды."
)
