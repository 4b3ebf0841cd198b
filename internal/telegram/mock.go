package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

// Compile-time check that MockClient implements API.
var _ API = (*MockClient)(nil)

// SentMessage records one outbound call made through MockClient.
type SentMessage struct {
	Chat    string
	ID      int
	Text    string // body for text sends, caption for media sends
	Media   *models.Media
	Deleted bool
}

// MockClient implements API in memory (for tests).
// In tests, use telegram.NewMockClient() instead of NewClient to avoid real Bot API calls.
type MockClient struct {
	mu      sync.Mutex
	nextID  int
	chats   map[string]models.Entity
	files   map[string][]byte
	updates chan models.Message

	Sent []SentMessage

	// SendErr, when set, is returned by every send.
	SendErr error
	// DeleteErr, when set, is returned by DeleteMessage.
	DeleteErr error
	// Self is returned by SelfID.
	Self int64
}

// NewMockClient creates a MockClient with no known chats.
func NewMockClient() *MockClient {
	return &MockClient{
		nextID:  1000,
		chats:   make(map[string]models.Entity),
		files:   make(map[string][]byte),
		updates: make(chan models.Message, DefaultUpdateBufferSize),
		Self:    1,
	}
}

// AddChat registers e under its username (with and without "@") and its id.
func (m *MockClient) AddChat(e models.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Username != "" {
		m.chats[e.Username] = e
		m.chats["@"+e.Username] = e
	}
	m.chats[fmt.Sprint(e.ID)] = e
}

// AddFile makes data downloadable under fileID.
func (m *MockClient) AddFile(fileID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[fileID] = data
}

// Push delivers msg to the Listen channel.
func (m *MockClient) Push(msg models.Message) {
	m.updates <- msg
}

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

func (m *MockClient) SelfID() int64 {
	return m.Self
}

func (m *MockClient) ResolveChat(ctx context.Context, handle string) (models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return models.Entity{}, models.ErrEmptyHandle
	}
	e, ok := m.chats[handle]
	if !ok {
		return models.Entity{}, fmt.Errorf("resolve chat %s: chat not found", handle)
	}
	return e, nil
}

func (m *MockClient) SendText(ctx context.Context, chat string, text string) (int, error) {
	return m.record(chat, text, nil)
}

func (m *MockClient) SendMedia(ctx context.Context, chat string, media *models.Media, caption string) (int, error) {
	if err := media.Validate(); err != nil {
		return 0, err
	}
	return m.record(chat, caption, media)
}

func (m *MockClient) record(chat, text string, media *models.Media) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return 0, m.SendErr
	}
	m.nextID++
	m.Sent = append(m.Sent, SentMessage{Chat: chat, ID: m.nextID, Text: text, Media: media})
	return m.nextID, nil
}

func (m *MockClient) DeleteMessage(ctx context.Context, chat string, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for i := range m.Sent {
		if m.Sent[i].Chat == chat && m.Sent[i].ID == messageID {
			m.Sent[i].Deleted = true
			return nil
		}
	}
	return fmt.Errorf("message %d not found in %s", messageID, chat)
}

func (m *MockClient) Download(ctx context.Context, fileID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return data, nil
}

// Listen returns the channel fed by Push. It is closed when ctx is done.
func (m *MockClient) Listen(ctx context.Context) (<-chan models.Message, error) {
	out := make(chan models.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-m.updates:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
