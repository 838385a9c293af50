// Конвейер обработчиков пакетов для мультиплексированных медиа каналов
//
// Один UDP канал несет RTP, RTCP и DTLS трафик на общем 5-tuple. Каждый
// протокольный обработчик реализует PacketHandler и регистрируется в
// Pipeline. При получении датаграммы канал опрашивает обработчики в порядке
// убывания приоритета и отдает пакет первому, который его распознал.
package transport

import (
	"net"
	"sort"
	"sync"
)

// PacketHandler обрабатывает входящие датаграммы одного протокола.
//
// Реализации: RTCP обработчик (pkg/rtcp), RTP обработчик, DTLS демультиплексор.
// Обработчик с большим приоритетом опрашивается первым.
type PacketHandler interface {
	// CanHandle проверяет, принадлежит ли датаграмма протоколу обработчика.
	CanHandle(data []byte, dataLength, offset int) bool

	// Handle обрабатывает датаграмму и возвращает ответ для немедленной
	// отправки или nil, если ответ не требуется.
	Handle(data []byte, dataLength, offset int, local, remote net.Addr) ([]byte, error)

	// PipelinePriority возвращает приоритет обработчика в конвейере.
	PipelinePriority() int
}

// Pipeline упорядоченный по приоритету набор обработчиков пакетов.
//
// Thread-safe: регистрация и поиск могут выполняться из разных горутин.
type Pipeline struct {
	mutex    sync.RWMutex
	handlers []PacketHandler
}

// NewPipeline создает пустой конвейер обработчиков.
func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]PacketHandler, 0, 4),
	}
}

// AddHandler регистрирует обработчик, сохраняя порядок по убыванию приоритета.
func (p *Pipeline) AddHandler(handler PacketHandler) {
	if handler == nil {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.handlers = append(p.handlers, handler)
	sort.SliceStable(p.handlers, func(i, j int) bool {
		return p.handlers[i].PipelinePriority() > p.handlers[j].PipelinePriority()
	})
}

// RemoveHandler удаляет обработчик из конвейера.
// Возвращает true если обработчик был зарегистрирован.
func (p *Pipeline) RemoveHandler(handler PacketHandler) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i, h := range p.handlers {
		if h == handler {
			p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// GetHandler возвращает первый по приоритету обработчик, распознавший пакет,
// или nil если пакет никому не принадлежит.
func (p *Pipeline) GetHandler(data []byte, dataLength, offset int) PacketHandler {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, h := range p.handlers {
		if h.CanHandle(data, dataLength, offset) {
			return h
		}
	}
	return nil
}

// Count возвращает количество зарегистрированных обработчиков.
func (p *Pipeline) Count() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.handlers)
}

// Clear удаляет все обработчики.
func (p *Pipeline) Clear() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.handlers = p.handlers[:0]
}
