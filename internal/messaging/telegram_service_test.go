package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/telegram"
	"github.com/mymmrac/telego/telegoapi"
)

// Ensure TelegramService implements Service interface
func TestTelegramService_ImplementsService(t *testing.T) {
	var _ Service = (*TelegramService)(nil)
}

func newTestTelegramService(t *testing.T, historySize int) (*TelegramService, *telegram.MockClient) {
	t.Helper()
	client := telegram.NewMockClient()
	client.AddChat(models.Entity{ID: -1001, Username: "news", Title: "News"})
	client.AddChat(models.Entity{ID: -1002, Username: "other", Title: "Other"})
	svc := NewTelegramService(client, historySize)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc, client
}

func TestTelegramService_SubscribeDispatchesAndRecords(t *testing.T) {
	svc, client := newTestTelegramService(t, 3)
	ctx := context.Background()

	var mu sync.Mutex
	var got []int64
	received := make(chan struct{}, 10)
	err := svc.Subscribe(ctx, []string{"@news", "@missing"}, func(ctx context.Context, msg models.Message) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
		received <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for id := int64(1); id <= 4; id++ {
		client.Push(models.Message{ID: id, ChatID: -1001})
	}
	for i := 0; i < 4; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	mu.Lock()
	if fmt.Sprint(got) != "[1 2 3 4]" {
		t.Errorf("expected in-order dispatch, got %v", got)
	}
	mu.Unlock()

	e, _ := svc.ResolveEntity(ctx, "@news")
	recent, err := svc.FetchRecent(ctx, e, 10)
	if err != nil {
		t.Fatalf("FetchRecent failed: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != 2 || recent[2].ID != 4 {
		t.Errorf("expected ring of last 3 posts, got %+v", recent)
	}

	limited, _ := svc.FetchRecent(ctx, e, 2)
	if len(limited) != 2 || limited[0].ID != 3 {
		t.Errorf("expected the 2 newest posts, got %+v", limited)
	}
}

func TestTelegramService_SubscribeFailsWhenNothingResolves(t *testing.T) {
	svc, _ := newTestTelegramService(t, 0)
	err := svc.Subscribe(context.Background(), []string{"@missing"}, func(context.Context, models.Message) {})
	if err == nil {
		t.Error("expected error when no feed resolves")
	}
}

func TestTelegramService_SendAndDelete(t *testing.T) {
	svc, client := newTestTelegramService(t, 0)
	ctx := context.Background()

	id, err := svc.SendText(ctx, "@dest", "🔍")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if err := svc.DeleteMessage(ctx, "@dest", id); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if sent := client.Messages(); len(sent) != 1 || !sent[0].Deleted {
		t.Errorf("expected probe deleted, got %+v", sent)
	}
	if err := svc.DeleteMessage(ctx, "@dest", "not-a-number"); err == nil {
		t.Error("expected error for non-numeric id")
	}

	media := &models.Media{Kind: models.MediaKindPhoto, FileID: "p1"}
	if _, err := svc.SendMedia(ctx, "@dest", media, "cap"); err != nil {
		t.Fatalf("SendMedia failed: %v", err)
	}
	client.AddFile("p1", []byte("img"))
	data, err := svc.FetchMedia(ctx, media)
	if err != nil || string(data) != "img" {
		t.Errorf("FetchMedia = %q, %v", data, err)
	}
}

func TestTelegramService_TranslatesAPIErrors(t *testing.T) {
	svc, client := newTestTelegramService(t, 0)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"flood", &telegoapi.Error{ErrorCode: 429, Description: "Too Many Requests: retry after 5", Parameters: &telegoapi.ResponseParameters{RetryAfter: 5}}, ErrFloodWait},
		{"forbidden", &telegoapi.Error{ErrorCode: 403, Description: "Forbidden: bot is not a member of the channel chat"}, ErrWriteForbidden},
		{"kicked", &telegoapi.Error{ErrorCode: 403, Description: "Forbidden: bot was kicked from the channel chat"}, ErrBannedInChannel},
		{"not found", &telegoapi.Error{ErrorCode: 400, Description: "Bad Request: chat not found"}, ErrChannelPrivate},
		{"rights", &telegoapi.Error{ErrorCode: 400, Description: "Bad Request: not enough rights to send text messages to the chat"}, ErrWriteForbidden},
		{"too long", &telegoapi.Error{ErrorCode: 400, Description: "Bad Request: message is too long"}, ErrMessageTooLong},
		{"wrapped", fmt.Errorf("telego: sendMessage: %w", &telegoapi.Error{ErrorCode: 429}), ErrFloodWait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client.SendErr = tt.err
			_, err := svc.SendText(context.Background(), "@dest", "x")
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			var apiErr *telegoapi.Error
			if !errors.As(err, &apiErr) {
				t.Error("expected original API error preserved")
			}
		})
	}

	plain := errors.New("connection reset")
	client.SendErr = plain
	if _, err := svc.SendText(context.Background(), "@dest", "x"); err != plain {
		t.Errorf("expected unknown errors unchanged, got %v", err)
	}
}

func TestTelegramService_IgnoresUnwatchedChats(t *testing.T) {
	svc, client := newTestTelegramService(t, 0)
	ctx := context.Background()

	// Resolving marks the chat as watched; -1002 is never resolved.
	e, err := svc.ResolveEntity(ctx, "news")
	if err != nil {
		t.Fatalf("ResolveEntity failed: %v", err)
	}
	client.Push(models.Message{ID: 1, ChatID: -1002})
	client.Push(models.Message{ID: 5, ChatID: -1001})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recent, _ := svc.FetchRecent(ctx, e, 10)
		if len(recent) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if recent, _ := svc.FetchRecent(ctx, e, 10); len(recent) != 1 || recent[0].ID != 5 {
		t.Errorf("expected only the watched post, got %+v", recent)
	}
	if other, _ := svc.FetchRecent(ctx, models.Entity{ID: -1002}, 10); len(other) != 0 {
		t.Errorf("expected unwatched chat not recorded, got %+v", other)
	}
}

func TestTelegramService_PanickingHandlerKeepsLoopAlive(t *testing.T) {
	svc, client := newTestTelegramService(t, 3)
	received := make(chan int64, 2)
	err := svc.Subscribe(context.Background(), []string{"@news"}, func(ctx context.Context, msg models.Message) {
		if msg.ID == 1 {
			panic("handler exploded")
		}
		received <- msg.ID
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	client.Push(models.Message{ID: 1, ChatID: -1001})
	client.Push(models.Message{ID: 2, ChatID: -1001})
	select {
	case id := <-received:
		if id != 2 {
			t.Errorf("expected post 2 after the panic, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update loop stopped after a handler panic")
	}
}
