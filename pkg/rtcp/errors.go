package rtcp

import "errors"

// Ошибки RTCP слоя
var (
	// ErrMalformedPacket нарушение формата: версия, длина или усечение.
	ErrMalformedPacket = errors.New("некорректный RTCP пакет")

	// ErrInvalidState операция недопустима в текущем состоянии сессии.
	ErrInvalidState = errors.New("недопустимое состояние RTCP сессии")

	// ErrTimerClosed планирование после отмены таймера; терминальное
	// состояние планировщика.
	ErrTimerClosed = errors.New("таймер RTCP уже отменен")
)
