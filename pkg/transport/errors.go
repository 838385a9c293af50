package transport

import "errors"

// Ошибки транспортного слоя
var (
	// ErrUnsupportedPacket возвращается обработчиком, когда датаграмма была
	// направлена ему конвейером, но классификация ее отвергла.
	ErrUnsupportedPacket = errors.New("обработчик не поддерживает входящий пакет")

	// ErrChannelClosed возвращается при операциях над закрытым каналом.
	ErrChannelClosed = errors.New("датаграммный канал закрыт")

	// ErrNotConnected возвращается при отправке без удаленного адреса.
	ErrNotConnected = errors.New("датаграммный канал не подключен")
)
