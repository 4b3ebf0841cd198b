package messaging

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

// Compile-time check that MockService implements Service.
var _ Service = (*MockService)(nil)

// MockCall records one Sink call made through MockService.
type MockCall struct {
	Op      string // "media", "text" or "delete"
	Dest    string
	ID      string
	Text    string
	Media   *models.Media
	Deleted bool
}

// MockService is an in-memory Service for tests. Feeds are registered with
// AddFeed and posts with AddPost; Emit pushes a post to subscribers.
type MockService struct {
	mu       sync.Mutex
	entities map[string]models.Entity
	posts    map[int64][]models.Message
	subs     []subscription
	nextID   int

	Calls []MockCall

	// SendErr, when set, is returned by every send. SendErrs overrides it per call index.
	SendErr  error
	SendErrs map[int]error
	// FetchErr, when set, is returned by FetchRecent.
	FetchErr error
	// SendHook, when set, runs inside every send before it is recorded.
	SendHook func(op string)
}

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{
		entities: make(map[string]models.Entity),
		posts:    make(map[int64][]models.Message),
	}
}

// AddFeed makes e resolvable by its username (with and without "@") and id.
func (m *MockService) AddFeed(e models.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Username != "" {
		m.entities[e.Username] = e
		m.entities["@"+e.Username] = e
	}
	m.entities[strconv.FormatInt(e.ID, 10)] = e
}

// AddPost appends msg to its chat's history.
func (m *MockService) AddPost(msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[msg.ChatID] = append(m.posts[msg.ChatID], msg)
}

// Emit delivers msg to every subscriber of its chat, synchronously.
func (m *MockService) Emit(ctx context.Context, msg models.Message) {
	m.mu.Lock()
	var handlers []Handler
	for _, sub := range m.subs {
		if _, ok := sub.chats[msg.ChatID]; ok {
			handlers = append(handlers, sub.fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(ctx, msg)
	}
}

// SentCalls returns a copy of the recorded calls.
func (m *MockService) SentCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.Calls...)
}

// Subscribers returns the number of registered subscriptions.
func (m *MockService) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MockService) Start(ctx context.Context) error { return nil }
func (m *MockService) Stop() error                     { return nil }

func (m *MockService) ResolveEntity(ctx context.Context, handle string) (models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return models.Entity{}, models.ErrEmptyHandle
	}
	e, ok := m.entities[handle]
	if !ok {
		return models.Entity{}, fmt.Errorf("feed %s not found", handle)
	}
	return e, nil
}

func (m *MockService) FetchRecent(ctx context.Context, e models.Entity, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	out := append([]models.Message(nil), m.posts[e.ID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockService) Subscribe(ctx context.Context, handles []string, fn Handler) error {
	sub := subscription{chats: make(map[int64]struct{}), fn: fn}
	for _, h := range handles {
		e, err := m.ResolveEntity(ctx, h)
		if err != nil {
			continue
		}
		sub.chats[e.ID] = struct{}{}
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

func (m *MockService) send(call MockCall) (string, error) {
	if m.SendHook != nil {
		m.SendHook(call.Op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.nextID
	m.nextID++
	if err, ok := m.SendErrs[idx]; ok && err != nil {
		return "", err
	}
	if m.SendErr != nil {
		return "", m.SendErr
	}
	call.ID = strconv.Itoa(idx + 1)
	m.Calls = append(m.Calls, call)
	return call.ID, nil
}

func (m *MockService) SendMedia(ctx context.Context, dest string, media *models.Media, caption string) (string, error) {
	return m.send(MockCall{Op: "media", Dest: dest, Text: caption, Media: media})
}

func (m *MockService) SendText(ctx context.Context, dest string, text string) (string, error) {
	return m.send(MockCall{Op: "text", Dest: dest, Text: text})
}

func (m *MockService) DeleteMessage(ctx context.Context, dest string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Calls {
		if m.Calls[i].Dest == dest && m.Calls[i].ID == id {
			m.Calls[i].Deleted = true
			return nil
		}
	}
	return fmt.Errorf("message %s not found in %s", id, dest)
}
