package biz_test

import (
	"context"
	"sync"

	"github.com/kart-io/knowbot/internal/knowbot/store"
	"github.com/kart-io/knowbot/pkg/llm"
)

// stubChat 可编程的聊天供应商桩。
type stubChat struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	messages []llm.Message
	// block 非空时 Chat 阻塞直至其被关闭。
	block chan struct{}
	// panicMsg 非空时 Chat 直接 panic。
	panicMsg string
}

func (s *stubChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	s.calls++
	s.messages = messages
	block := s.block
	s.mu.Unlock()

	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func (s *stubChat) Name() string { return "stub-chat" }

func (s *stubChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubChat) lastMessages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// stubEmbedder 返回预置向量的 embedding 供应商桩。
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vectors[t]
	}
	return out, nil
}

func (s *stubEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors[text], nil
}

func (s *stubEmbedder) Name() string { return "stub-embed" }

// memStore 内存对话存储。
type memStore struct {
	mu     sync.Mutex
	nextID uint
	turns  map[string][]store.Turn
}

func newMemStore() *memStore {
	return &memStore{turns: make(map[string][]store.Turn)}
}

func (m *memStore) Append(ctx context.Context, userID string, role store.Role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.turns[userID] = append(m.turns[userID], store.Turn{
		ID:      m.nextID,
		UserID:  userID,
		Role:    role,
		Content: content,
	})
	return nil
}

func (m *memStore) Fetch(ctx context.Context, userID string, limit int) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[userID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]store.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) all(userID string) []store.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Turn, len(m.turns[userID]))
	copy(out, m.turns[userID])
	return out
}
