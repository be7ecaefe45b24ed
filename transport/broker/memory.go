package broker

import (
	"context"
	"sync"
)

// Memory is an in-process Publisher fake for unit tests: it records every
// publish instead of talking to NATS.
type Memory struct {
	mu        sync.Mutex
	Published []Message
}

// Message is one recorded publish.
type Message struct {
	Subject string
	Payload []byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, subject string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.Published = append(m.Published, Message{Subject: subject, Payload: cp})
	return nil
}

// Messages returns a snapshot of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.Published))
	copy(out, m.Published)
	return out
}

var _ Publisher = (*Memory)(nil)
