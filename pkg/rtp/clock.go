// Статистика RTP сессии и алгоритм интервалов RTCP
//
// Пакет rtp содержит состояние одной RTP сессии, которым питается алгоритм
// передачи RTCP (RFC 3550 Section 6.3): таблицу участников, счетчики
// отправителей, сглаженный средний размер составных пакетов и расчет
// детерминированного и рандомизированного интервалов (Appendix A.7).
package rtp

import "time"

// Clock источник монотонного времени с миллисекундным разрешением.
// Подменяется в тестах детерминированной реализацией.
type Clock interface {
	// CurrentTime возвращает текущее время в миллисекундах.
	CurrentTime() int64
}

// WallClock монотонные часы на основе time.Since от момента создания.
type WallClock struct {
	start time.Time
}

// NewWallClock создает часы, отсчитывающие от текущего момента.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// CurrentTime возвращает миллисекунды с момента создания часов.
func (c *WallClock) CurrentTime() int64 {
	return time.Since(c.start).Milliseconds()
}
