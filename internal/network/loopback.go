package network

import (
	"fmt"
	"sync"
)

// LoopbackTransport доставляет кадры подписчикам внутри процесса.
// Используется встраиваемым режимом сервера и интеграционными тестами.
type LoopbackTransport struct {
	mu    sync.RWMutex
	sinks map[string]func([]byte)
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{sinks: make(map[string]func([]byte))}
}

// Attach регистрирует получателя кадров для зрителя
func (lt *LoopbackTransport) Attach(viewerID string, sink func([]byte)) {
	lt.mu.Lock()
	lt.sinks[viewerID] = sink
	lt.mu.Unlock()
}

// Detach убирает получателя
func (lt *LoopbackTransport) Detach(viewerID string) {
	lt.mu.Lock()
	delete(lt.sinks, viewerID)
	lt.mu.Unlock()
}

// Send передаёт кадр зарегистрированному получателю
func (lt *LoopbackTransport) Send(viewerID string, frame []byte) error {
	lt.mu.RLock()
	sink, ok := lt.sinks[viewerID]
	lt.mu.RUnlock()

	if !ok {
		return fmt.Errorf("viewer %s not attached", viewerID)
	}
	sink(frame)
	return nil
}
