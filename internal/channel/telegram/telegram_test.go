package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/logging"
)

// fakeAPI is a minimal Bot API server that records calls.
type fakeAPI struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	method string
	form   map[string]string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, form: form})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Ship","username":"shipbot"}}`))
	case "sendMessage", "sendDocument":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeAPI) byMethod(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestChannel(t *testing.T, cfg Config) (*Channel, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg.Token = "123:abc"
	cfg.APIEndpoint = srv.URL + "/bot%s/%s"
	cfg.HTTPClient = srv.Client()
	ch, err := New(cfg, logging.New(nil, "silent"))
	require.NoError(t, err)
	return ch, api
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Config{}, logging.New(nil, "silent"))
	assert.Error(t, err)
}

func TestNew_DefaultsToPolling(t *testing.T) {
	ch, api := newTestChannel(t, Config{})
	assert.Equal(t, ModePolling, ch.cfg.Mode)
	assert.Equal(t, ChannelID, ch.ID())
	assert.True(t, ch.Capabilities().Buttons)
	assert.Len(t, api.byMethod("getMe"), 1)
}

func TestInbound_Message(t *testing.T) {
	upd := tgbotapi.Update{
		UpdateID: 10,
		Message: &tgbotapi.Message{
			MessageID: 5,
			From:      &tgbotapi.User{ID: 42, UserName: "alice"},
			Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
			Date:      1700000000,
			Text:      "/start",
		},
	}
	msg, ok := Inbound(upd)
	require.True(t, ok)
	assert.Equal(t, "10", msg.ID)
	assert.Equal(t, "42", msg.From)
	assert.Equal(t, "alice", msg.FromName)
	assert.Equal(t, domain.ChatTypeDM, msg.ChatType)
	assert.Equal(t, "/start", msg.Body)
	assert.Equal(t, "telegram:42", msg.Key().UserID())
}

func TestInbound_Callback(t *testing.T) {
	upd := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb-1",
			From: &tgbotapi.User{ID: 42, FirstName: "Alice"},
			Message: &tgbotapi.Message{
				MessageID: 9,
				Chat:      &tgbotapi.Chat{ID: -100, Type: "group"},
			},
			Data: "cmd:cancel",
		},
	}
	msg, ok := Inbound(upd)
	require.True(t, ok)
	assert.Equal(t, "cmd:cancel", msg.Callback)
	assert.Equal(t, "cb-1", msg.CallbackID)
	assert.Equal(t, "Alice", msg.FromName)
	assert.Equal(t, "-100", msg.ChatID)
	assert.Equal(t, domain.ChatTypeGroup, msg.ChatType)
	assert.Empty(t, msg.Body)
}

func TestInbound_IgnoresOtherUpdates(t *testing.T) {
	_, ok := Inbound(tgbotapi.Update{UpdateID: 1})
	assert.False(t, ok)

	// Photos without text are not part of the dialog.
	_, ok = Inbound(tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 1, Type: "private"},
	}})
	assert.False(t, ok)
}

func TestKeyboard(t *testing.T) {
	assert.Nil(t, Keyboard(nil))

	kb := Keyboard([][]domain.Button{
		{{Label: "Skip", Data: "cmd:skip"}, {Label: "Cancel", Data: "cmd:cancel"}},
		{{Label: "Open invoice", URL: "https://pay.example/trk-1"}},
	})
	require.NotNil(t, kb)
	require.Len(t, kb.InlineKeyboard, 2)
	assert.Len(t, kb.InlineKeyboard[0], 2)
	require.NotNil(t, kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "cmd:skip", *kb.InlineKeyboard[0][0].CallbackData)
	require.NotNil(t, kb.InlineKeyboard[1][0].URL)
	assert.Equal(t, "https://pay.example/trk-1", *kb.InlineKeyboard[1][0].URL)
}

func TestSend_AckKeyboardAndDocument(t *testing.T) {
	ch, api := newTestChannel(t, Config{})

	err := ch.Send(context.Background(), domain.OutboundMessage{
		ChannelID:   ChannelID,
		To:          "42",
		Body:        "Your label is ready!",
		Keyboard:    [][]domain.Button{{{Label: "New order", Data: "new"}}},
		Media:       []domain.Attachment{{URL: "https://labels.example/se-1.pdf", Filename: "label.pdf", Caption: "Label"}},
		AckCallback: "cb-1",
	})
	require.NoError(t, err)

	acks := api.byMethod("answerCallbackQuery")
	require.Len(t, acks, 1)
	assert.Equal(t, "cb-1", acks[0].form["callback_query_id"])

	msgs := api.byMethod("sendMessage")
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].form["chat_id"])
	assert.Equal(t, "Your label is ready!", msgs[0].form["text"])
	assert.Contains(t, msgs[0].form["reply_markup"], `"callback_data":"new"`)

	docs := api.byMethod("sendDocument")
	require.Len(t, docs, 1)
	assert.Equal(t, "https://labels.example/se-1.pdf", docs[0].form["document"])
	assert.Equal(t, "Label", docs[0].form["caption"])
}

func TestSend_AckOnly(t *testing.T) {
	ch, api := newTestChannel(t, Config{})
	require.NoError(t, ch.Send(context.Background(), domain.OutboundMessage{To: "42", AckCallback: "cb-2"}))
	assert.Len(t, api.byMethod("answerCallbackQuery"), 1)
	assert.Empty(t, api.byMethod("sendMessage"))
}

func TestSend_InvalidChat(t *testing.T) {
	ch, _ := newTestChannel(t, Config{})
	err := ch.Send(context.Background(), domain.OutboundMessage{To: "not-a-chat", Body: "hi"})
	assert.Error(t, err)
}

func TestHandleWebhook(t *testing.T) {
	ch, _ := newTestChannel(t, Config{Mode: ModeWebhook, WebhookSecret: "s3cret"})

	var (
		mu  sync.Mutex
		got []domain.InboundMessage
	)
	ch.OnMessage(func(m domain.InboundMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	body := `{"update_id":3,"message":{"message_id":1,"date":1700000000,` +
		`"from":{"id":42,"is_bot":false,"first_name":"A"},"chat":{"id":42,"type":"private"},"text":"hello"}}`

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(body))
		req.Header.Set(SecretHeader, "nope")
		rec := httptest.NewRecorder()
		ch.HandleWebhook(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader("{"))
		req.Header.Set(SecretHeader, "s3cret")
		rec := httptest.NewRecorder()
		ch.HandleWebhook(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delivered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(body))
		req.Header.Set(SecretHeader, "s3cret")
		rec := httptest.NewRecorder()
		ch.HandleWebhook(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		ch.serial.Wait()
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 1)
		assert.Equal(t, "hello", got[0].Body)
		assert.Equal(t, "42", got[0].From)
	})
}

func TestStart_Webhook(t *testing.T) {
	ch, api := newTestChannel(t, Config{
		Mode: ModeWebhook, WebhookURL: "https://bot.example/webhook/telegram", WebhookSecret: "s3cret",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Start(ctx) }()

	require.Eventually(t, func() bool { return len(api.byMethod("setWebhook")) == 1 }, time.Second, 10*time.Millisecond)
	hook := api.byMethod("setWebhook")[0]
	assert.Equal(t, "https://bot.example/webhook/telegram", hook.form["url"])
	assert.Equal(t, "s3cret", hook.form["secret_token"])
	assert.True(t, ch.Status().Running)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	assert.False(t, ch.Status().Running)
}

func TestStart_WebhookNeedsURL(t *testing.T) {
	ch, _ := newTestChannel(t, Config{Mode: ModeWebhook})
	err := ch.Start(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, ch.Status().LastError)
}
