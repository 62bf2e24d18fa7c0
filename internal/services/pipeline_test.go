package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/genapi"
	"github.com/melodyforge/backend/internal/jobs"
	"github.com/melodyforge/backend/internal/ledger"
	"github.com/melodyforge/backend/internal/models"
	"github.com/melodyforge/backend/internal/repository/memstore"
)

// ---------------------------------------------------------------------------
// Fakes for the provider, chat, file store and queue.
// ---------------------------------------------------------------------------

type fakeGen struct {
	mu         sync.Mutex
	texts      []string
	textErr    error
	audio      [2]string
	audioErr   error
	pendingID  int64
	during     func()
	textCalls  int
	audioCalls int
	lastAudio  genapi.AudioRequest
	resumed    []int64
}

func (f *fakeGen) GenerateText(_ context.Context, _ []genapi.Message, onPending func(int64)) (string, error) {
	f.mu.Lock()
	f.textCalls++
	id, during := f.pendingID, f.during
	f.mu.Unlock()
	if id != 0 && onPending != nil {
		onPending(id)
	}
	if during != nil {
		during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return "", f.textErr
	}
	if len(f.texts) == 0 {
		return "", errors.New("no scripted reply")
	}
	s := f.texts[0]
	f.texts = f.texts[1:]
	return s, nil
}

func (f *fakeGen) GenerateAudio(_ context.Context, req genapi.AudioRequest, onPending func(int64)) ([2]string, error) {
	f.mu.Lock()
	f.audioCalls++
	f.lastAudio = req
	id := f.pendingID
	f.mu.Unlock()
	if id != 0 && onPending != nil {
		onPending(id)
	}
	if f.audioErr != nil {
		return [2]string{}, f.audioErr
	}
	return f.audio, nil
}

func (f *fakeGen) ResumeAudio(_ context.Context, requestID int64) ([2]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, requestID)
	if f.audioErr != nil {
		return [2]string{}, f.audioErr
	}
	return f.audio, nil
}

type sentMessage struct {
	chatID int64
	edit   bool
	text   string
	kb     delivery.Keyboard
}

type fakeNotifier struct {
	mu         sync.Mutex
	nextID     int
	messages   []sentMessage
	artifacts  []string
	textFiles  []string
	artifactFn func(path string) error
}

func (f *fakeNotifier) Notify(_ context.Context, chatID int64, messageID *int, text string, kb delivery.Keyboard) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID: chatID, edit: messageID != nil, text: text, kb: kb})
	if messageID != nil {
		return *messageID, nil
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeNotifier) DeliverArtifact(_ context.Context, _ int64, path, _ string, _ delivery.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, path)
	if f.artifactFn != nil {
		return f.artifactFn(path)
	}
	return nil
}

func (f *fakeNotifier) DeliverTextAsFile(_ context.Context, _ int64, text, _, _ string, _ delivery.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textFiles = append(f.textFiles, text)
	return nil
}

func (f *fakeNotifier) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[len(f.messages)-1]
}

type fakeFiles struct {
	mu          sync.Mutex
	n           int
	live        map[string]bool
	downloadErr error
	urls        []string
}

func (f *fakeFiles) Download(_ context.Context, url, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	f.n++
	path := fmt.Sprintf("/artifacts/%d.mp3", f.n)
	if f.live == nil {
		f.live = make(map[string]bool)
	}
	f.live[path] = true
	return path, nil
}

func (f *fakeFiles) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, path)
	return nil
}

func (f *fakeFiles) exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[path]
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []river.JobArgs
}

func (f *fakeQueue) EnqueueTx(_ context.Context, _ pgx.Tx, args river.JobArgs) error {
	return f.Enqueue(context.Background(), args)
}

func (f *fakeQueue) Enqueue(_ context.Context, args river.JobArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, args)
	return nil
}

func (f *fakeQueue) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, j := range f.jobs {
		out = append(out, j.Kind())
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

const textPrice = 1900

type fixture struct {
	store   *memstore.Store
	ledger  *ledger.Service
	gen     *fakeGen
	bot     *fakeNotifier
	files   *fakeFiles
	queue   *fakeQueue
	presets *catalog.Catalog
	p       *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	presets, err := catalog.Load("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f := &fixture{
		store:   st,
		ledger:  ledger.NewService(st, st.Accounts(), st.Entries(), 3, nil),
		gen:     &fakeGen{audio: [2]string{"https://cdn.example/1.mp3", "https://cdn.example/2.mp3"}},
		bot:     &fakeNotifier{nextID: 100},
		files:   &fakeFiles{},
		queue:   &fakeQueue{},
		presets: presets,
	}
	f.p = NewPipeline(st, f.ledger, st.Tasks(), st.Tracks(), f.gen, f.bot, f.files, f.queue, presets,
		PipelineConfig{TextPrice: textPrice, TrackTTL: 24 * time.Hour, InlineTextLimit: 3500}, nil)
	return f
}

func (f *fixture) account(t *testing.T, balance int64) *models.Account {
	t.Helper()
	ctx := context.Background()
	acc, err := f.ledger.GetOrCreateAccount(ctx, time.Now().UnixNano())
	if err != nil {
		t.Fatal(err)
	}
	if balance > 0 {
		if _, err := f.ledger.AdjustBalance(ctx, acc.ID, balance, models.EntryAdjust, nil); err != nil {
			t.Fatal(err)
		}
	}
	acc, _ = f.ledger.Account(ctx, acc.ID)
	return acc
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	acc, err := f.ledger.Account(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return acc.Balance
}

func (f *fixture) task(t *testing.T, id uuid.UUID) *models.Task {
	t.Helper()
	task, err := f.store.Tasks().GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func strPtr(s string) *string { return &s }

// seedTitled puts a task with a finished draft straight into TITLE_WAITING.
func (f *fixture) seedTitled(acc *models.Account, presetID string) *models.Task {
	task := &models.Task{
		ID:             uuid.New(),
		AccountID:      acc.ID,
		PresetID:       presetID,
		Brief:          "про кота Барсика",
		Status:         models.TaskStatusTitleWaiting,
		ProgressChatID: 7,
		LyricsCurrent:  strPtr("Куплет про кота"),
		TagsCurrent:    strPtr("pop, upbeat"),
		Funding:        models.FundingFreeQuota,
	}
	f.store.Tasks().Put(task)
	return task
}

func brief(acc *models.Account) BriefRequest {
	return BriefRequest{AccountID: acc.ID, PresetID: "birthday_pop", Brief: "Маше 30 лет, любит горы", ChatID: 7}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestHappyPath_EndsInPaymentWaitingWithZeroBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)

	task, err := f.p.SubmitBrief(ctx, brief(acc))
	if err != nil {
		t.Fatalf("SubmitBrief: %v", err)
	}
	reloaded, _ := f.ledger.Account(ctx, acc.ID)
	if got := f.ledger.FreeQuotaRemaining(reloaded); got != 2 {
		t.Errorf("quota remaining = %d, want 2", got)
	}
	if kinds := f.queue.kinds(); len(kinds) != 1 || kinds[0] != "generate_text" {
		t.Fatalf("queued %v", kinds)
	}

	f.gen.texts = []string{"Название: Горы зовут\nМаша, с днём рождения!", "pop, upbeat, party"}
	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatalf("RunText: %v", err)
	}
	got := f.task(t, task.ID)
	if got.Status != models.TaskStatusReviewReady || got.Lyrics() == "" || got.Tags() == "" {
		t.Fatalf("after text: status=%s lyrics=%q tags=%q", got.Status, got.Lyrics(), got.Tags())
	}
	if got.SuggestedTitle == nil || *got.SuggestedTitle != "Горы зовут" {
		t.Errorf("suggested title = %v", got.SuggestedTitle)
	}

	if _, err := f.p.Approve(ctx, task.ID, acc.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if s := f.task(t, task.ID).Status; s != models.TaskStatusTitleWaiting {
		t.Fatalf("after approve: %s", s)
	}

	res, err := f.p.SetTitle(ctx, task.ID, acc.ID, "My Song")
	if err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	if res.Status != models.TaskStatusPaymentWaiting || f.task(t, task.ID).Status != models.TaskStatusPaymentWaiting {
		t.Errorf("status = %s, want PAYMENT_WAITING", res.Status)
	}
	if b := f.balance(t, acc.ID); b != 0 {
		t.Errorf("balance = %d, want 0", b)
	}
	if f.task(t, task.ID).Title() != "My Song" {
		t.Errorf("title not stored")
	}
	if len(f.queue.kinds()) != 1 {
		t.Errorf("audio job queued without funds: %v", f.queue.kinds())
	}
}

func TestPaidTextAfterQuotaExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 5000)
	for i := 0; i < 3; i++ {
		if _, err := f.p.SubmitBrief(ctx, brief(acc)); err != nil {
			t.Fatalf("free submit %d: %v", i, err)
		}
	}

	if _, err := f.p.SubmitBrief(ctx, brief(acc)); !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	if n := len(f.queue.kinds()); n != 3 {
		t.Fatalf("unfunded request created work: %d jobs", n)
	}

	task, err := f.p.SubmitPaidBrief(ctx, brief(acc))
	if err != nil {
		t.Fatalf("SubmitPaidBrief: %v", err)
	}
	if task.Status != models.TaskStatusTextQueued || task.Funding != models.FundingPaidText {
		t.Errorf("status=%s funding=%s", task.Status, task.Funding)
	}
	if b := f.balance(t, acc.ID); b != 5000-textPrice {
		t.Errorf("balance = %d, want %d", b, 5000-textPrice)
	}
}

func TestPaidText_InsufficientFundsCreatesNothing(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, 100)
	_, err := f.p.SubmitPaidBrief(context.Background(), brief(acc))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(f.queue.kinds()) != 0 {
		t.Error("job queued for unfunded task")
	}
	list, _ := f.store.Tasks().ListByAccountID(context.Background(), acc.ID, 10)
	if len(list) != 0 {
		t.Errorf("%d tasks created", len(list))
	}
}

func TestProviderFailureReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 100000)
	task := f.seedTitled(acc, "birthday_pop")

	if _, err := f.p.SetTitle(ctx, task.ID, acc.ID, "Барсик"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	if b := f.balance(t, acc.ID); b != 100000-34900 {
		t.Fatalf("balance after hold = %d", b)
	}

	f.gen.audioErr = &genapi.Error{Kind: genapi.KindFailed, Op: genapi.OpAudio, Msg: "Генерация не удалась."}
	if err := f.p.RunAudio(ctx, task.ID, 7, nil); err != nil {
		t.Fatalf("RunAudio: %v", err)
	}
	got := f.task(t, task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	if b := f.balance(t, acc.ID); b != 100000 {
		t.Errorf("balance = %d, want pre-hold 100000", b)
	}
	if !strings.Contains(f.bot.last().text, msgRefunded) {
		t.Errorf("user not told about refund: %q", f.bot.last().text)
	}
}

func TestAudioSuccess_CapturesAndStoresTrack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 100000)
	task := f.seedTitled(acc, "birthday_pop")

	if _, err := f.p.SetTitle(ctx, task.ID, acc.ID, "Барсик"); err != nil {
		t.Fatal(err)
	}
	if err := f.p.RunAudio(ctx, task.ID, 7, nil); err != nil {
		t.Fatalf("RunAudio: %v", err)
	}
	got := f.task(t, task.ID)
	if got.Status != models.TaskStatusSucceeded || got.TrackID == nil {
		t.Fatalf("status=%s track=%v", got.Status, got.TrackID)
	}
	tr, err := f.store.Tracks().GetByID(ctx, *got.TrackID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.AudioURL2 != "https://cdn.example/2.mp3" || tr.Title != "Барсик" {
		t.Errorf("track = %+v", tr)
	}
	if b := f.balance(t, acc.ID); b != 100000-34900 {
		t.Errorf("balance = %d", b)
	}
	entries, _ := f.ledger.History(ctx, acc.ID, 10)
	var captured bool
	for _, e := range entries {
		if e.Kind == models.EntrySpendAudio && e.Status == models.EntryStatusCapture {
			captured = true
		}
	}
	if !captured {
		t.Error("audio hold not captured")
	}
	if len(f.bot.artifacts) != 1 || f.files.exists(f.bot.artifacts[0]) {
		t.Errorf("artifact not delivered or not removed: %v", f.bot.artifacts)
	}
}

func TestAudioDeliveryFailureRefundsAndRemovesFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 100000)
	task := f.seedTitled(acc, "birthday_pop")
	f.bot.artifactFn = func(string) error { return errors.New("Forbidden: bot was blocked by the user") }

	if _, err := f.p.SetTitle(ctx, task.ID, acc.ID, "Барсик"); err != nil {
		t.Fatal(err)
	}
	if err := f.p.RunAudio(ctx, task.ID, 7, nil); err != nil {
		t.Fatalf("RunAudio: %v", err)
	}
	if s := f.task(t, task.ID).Status; s != models.TaskStatusFailed {
		t.Errorf("status = %s", s)
	}
	if b := f.balance(t, acc.ID); b != 100000 {
		t.Errorf("balance = %d, want refund", b)
	}
	if len(f.bot.artifacts) != 1 || f.files.exists(f.bot.artifacts[0]) {
		t.Error("downloaded file left behind")
	}
}

func TestStaleJobIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)
	task := f.seedTitled(acc, "birthday_pop")
	before := f.task(t, task.ID)

	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Errorf("RunText: %v", err)
	}
	if err := f.p.RunAudio(ctx, task.ID, 7, nil); err != nil {
		t.Errorf("RunAudio: %v", err)
	}
	if err := f.p.RunText(ctx, uuid.New()); err != nil {
		t.Errorf("RunText on missing task: %v", err)
	}
	after := f.task(t, task.ID)
	if after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("stale job mutated task: %s -> %s", before.Status, after.Status)
	}
	if f.gen.textCalls+f.gen.audioCalls != 0 {
		t.Error("provider called for stale job")
	}
}

func TestCancelDuringGenerationDropsResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)
	task, err := f.p.SubmitBrief(ctx, brief(acc))
	if err != nil {
		t.Fatal(err)
	}
	// The user cancels while the draft is being written.
	f.gen.during = func() {
		cur := f.task(t, task.ID)
		cur.Status = models.TaskStatusCanceled
		f.store.Tasks().Put(cur)
	}
	f.gen.texts = []string{"Текст"}

	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatalf("RunText: %v", err)
	}
	got := f.task(t, task.ID)
	if got.Status != models.TaskStatusCanceled || got.LyricsCurrent != nil {
		t.Errorf("status=%s lyrics=%v", got.Status, got.LyricsCurrent)
	}
}

func TestPollingStatusRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)
	task, _ := f.p.SubmitBrief(ctx, brief(acc))

	var seen *models.Task
	f.gen.pendingID = 77
	f.gen.during = func() {
		if seen == nil {
			seen = f.task(t, task.ID)
		}
	}
	f.gen.texts = []string{"Текст", "pop"}
	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if seen.Status != models.TaskStatusTextPolling || seen.ProviderRequestID == nil || *seen.ProviderRequestID != 77 {
		t.Errorf("mid-call status=%s request=%v", seen.Status, seen.ProviderRequestID)
	}
	if got := f.task(t, task.ID); got.ProviderRequestID != nil {
		t.Error("request id not cleared after result")
	}
}

func TestTextFailureReportedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)
	task, _ := f.p.SubmitBrief(ctx, brief(acc))
	f.gen.textErr = &genapi.Error{Kind: genapi.KindHTTP, Op: genapi.OpText, Msg: "Генератор временно недоступен. Попробуйте позже.", Err: errors.New("status 502: <html>")}

	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatalf("RunText: %v", err)
	}
	got := f.task(t, task.ID)
	if got.Status != models.TaskStatusFailed || got.ErrorMessage == nil {
		t.Fatalf("status=%s", got.Status)
	}
	if strings.Contains(*got.ErrorMessage, "502") {
		t.Errorf("provider detail leaked: %q", *got.ErrorMessage)
	}
	failures := 0
	for _, m := range f.bot.messages {
		if strings.HasPrefix(m.text, "❌") {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("failure reported %d times", failures)
	}
	// A duplicate delivery of the same job finds FAILED and does nothing.
	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if f.gen.textCalls != 1 {
		t.Errorf("provider called %d times", f.gen.textCalls)
	}
}

func TestOversizedDraftGoesOutAsFile(t *testing.T) {
	f := newFixture(t)
	f.p.Config.InlineTextLimit = 50
	ctx := context.Background()
	acc := f.account(t, 0)
	task, _ := f.p.SubmitBrief(ctx, brief(acc))
	long := strings.Repeat("очень длинная строка песни\n", 10)
	f.gen.texts = []string{long, "pop"}

	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.bot.textFiles) != 1 || f.bot.textFiles[0] != strings.TrimSpace(long) {
		t.Fatalf("text file deliveries = %d", len(f.bot.textFiles))
	}
	review := f.bot.last()
	if strings.Contains(review.text, "очень длинная") || len(review.kb) == 0 {
		t.Errorf("review should be a short summary with buttons: %q", review.text)
	}
}

func TestEditLoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)
	task, _ := f.p.SubmitBrief(ctx, brief(acc))
	f.gen.texts = []string{"Первый текст", "pop", "Исправленный текст", "rock"}
	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.p.RequestEdit(ctx, task.ID, acc.ID); err != nil {
		t.Fatalf("RequestEdit: %v", err)
	}
	if _, err := f.p.SubmitEdit(ctx, task.ID, acc.ID, "  "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("blank edit: %v", err)
	}
	if _, err := f.p.SubmitEdit(ctx, task.ID, acc.ID, "добавь припев"); err != nil {
		t.Fatalf("SubmitEdit: %v", err)
	}
	if err := f.p.RunEdit(ctx, task.ID); err != nil {
		t.Fatalf("RunEdit: %v", err)
	}
	got := f.task(t, task.ID)
	if got.Status != models.TaskStatusReviewReady || got.Lyrics() != "Исправленный текст" || got.Tags() != "rock" {
		t.Errorf("status=%s lyrics=%q tags=%q", got.Status, got.Lyrics(), got.Tags())
	}
	if got.EditRequest != nil {
		t.Error("edit request not cleared")
	}
}

func TestRegenerateOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)
	task, _ := f.p.SubmitBrief(ctx, brief(acc))
	f.gen.texts = []string{"Текст", "pop", "Другой текст", "jazz"}
	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.p.Regenerate(ctx, task.ID, acc.ID, false); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	reloaded, _ := f.ledger.Account(ctx, acc.ID)
	if got := f.ledger.FreeQuotaRemaining(reloaded); got != 1 {
		t.Errorf("quota remaining = %d, want 1", got)
	}
	if err := f.p.RunText(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.Regenerate(ctx, task.ID, acc.ID, false); !errors.Is(err, ErrRegenerationUsed) {
		t.Errorf("second regenerate: %v", err)
	}
	if kb := f.bot.last().kb; len(kb) != 3 {
		t.Errorf("review after regeneration should hide the regenerate button, rows=%d", len(kb))
	}
}

func TestCancelOnlyFromWaitingStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)
	task, _ := f.p.SubmitBrief(ctx, brief(acc))

	if _, err := f.p.Cancel(ctx, task.ID, acc.ID); !errors.Is(err, ErrWrongState) {
		t.Errorf("cancel of queued task: %v", err)
	}
	titled := f.seedTitled(acc, "birthday_pop")
	if _, err := f.p.Cancel(ctx, titled.ID, uuid.New()); err == nil {
		t.Error("foreign account canceled task")
	}
	if _, err := f.p.Cancel(ctx, titled.ID, acc.ID); err != nil {
		t.Fatal(err)
	}
	if s := f.task(t, titled.ID).Status; s != models.TaskStatusCanceled {
		t.Errorf("status = %s", s)
	}
}

func TestConfirmAudioAfterTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 0)
	task := f.seedTitled(acc, "lofi_focus")

	if _, err := f.p.AutoTitle(ctx, task.ID, acc.ID); err != nil {
		t.Fatal(err)
	}
	got := f.task(t, task.ID)
	if got.Status != models.TaskStatusPaymentWaiting || got.Title() == "" {
		t.Fatalf("status=%s title=%q", got.Status, got.Title())
	}
	if _, err := f.ledger.AddTopup(ctx, acc.ID, 50000, "pay-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.ConfirmAudio(ctx, task.ID, acc.ID); err != nil {
		t.Fatal(err)
	}
	if s := f.task(t, task.ID).Status; s != models.TaskStatusAudioQueued {
		t.Errorf("status = %s", s)
	}
	if err := f.p.RunAudio(ctx, task.ID, 7, nil); err != nil {
		t.Fatal(err)
	}
	if !f.gen.lastAudio.Instrumental || !strings.Contains(f.gen.lastAudio.Tags, "instrumental") {
		t.Errorf("instrumental request = %+v", f.gen.lastAudio)
	}
}

func TestSecondVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.account(t, 100000)
	task := f.seedTitled(acc, "birthday_pop")
	if _, err := f.p.SetTitle(ctx, task.ID, acc.ID, "Барсик"); err != nil {
		t.Fatal(err)
	}
	if err := f.p.RunAudio(ctx, task.ID, 7, nil); err != nil {
		t.Fatal(err)
	}

	if err := f.p.RequestSecondVariant(ctx, task.ID, acc.ID, 7); err != nil {
		t.Fatal(err)
	}
	var job jobs.DeliverVariantArgs
	for _, j := range f.queue.jobs {
		if v, ok := j.(jobs.DeliverVariantArgs); ok {
			job = v
		}
	}
	if job.TaskID != task.ID {
		t.Fatalf("variant job not queued: %v", f.queue.kinds())
	}
	if err := f.p.DeliverSecondVariant(ctx, job.TaskID, job.ChatID); err != nil {
		t.Fatal(err)
	}
	if last := f.files.urls[len(f.files.urls)-1]; last != "https://cdn.example/2.mp3" {
		t.Errorf("downloaded %q", last)
	}
	if len(f.bot.artifacts) != 2 || f.files.exists(f.bot.artifacts[1]) {
		t.Error("second variant not delivered or file left behind")
	}

	f.p.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if err := f.p.DeliverSecondVariant(ctx, job.TaskID, job.ChatID); err != nil {
		t.Fatal(err)
	}
	if len(f.bot.artifacts) != 2 || f.bot.last().text != msgVariantExpired {
		t.Errorf("expired variant handled wrong: %q", f.bot.last().text)
	}
}
