package rtcp

import "github.com/pion/rtcp"

// Statistics статистика RTP сессии, которой питается алгоритм передачи
// RFC 3550 Section 6.3. Обработчик и фабрика пакетов читают состояние
// сессии и сообщают о каждом отправленном и принятом составном пакете.
//
// Реализация обязана быть thread-safe: методы вызываются из таймера
// передачи, из цикла приема и из SSRC sweep одновременно.
type Statistics interface {
	// CurrentTime текущее монотонное время в миллисекундах.
	CurrentTime() int64

	// Ssrc локальный идентификатор участника.
	Ssrc() uint32

	// Cname канонический идентификатор локального участника.
	Cname() string

	// RtcpInterval вычисляет рандомизированный интервал T до следующей
	// передачи, в миллисекундах.
	RtcpInterval(initial bool) int64

	// Members и Pmembers текущее и зафиксированное число участников.
	Members() int
	Pmembers() int

	// ConfirmMembers фиксирует pmembers = members.
	ConfirmMembers()

	// ResetMembers сбрасывает таблицу участников до локального SSRC.
	ResetMembers()

	// ClearSenders обнуляет счетчик отправителей и флаг we_sent.
	ClearSenders()

	// IsSenderTimeout выполняет проход по таблице участников: снимает
	// признак отправителя у молчащих два отчетных интервала и удаляет
	// участников, не замеченных пять детерминированных интервалов.
	// Возвращает true, если хотя бы один отправитель был снят.
	IsSenderTimeout() bool

	// WeSent признак отправки локального RTP с момента прошлого отчета.
	WeSent() bool

	// SenderInfo данные отправителя для Sender Report.
	SenderInfo() SenderInfo

	// ReportBlocks отчетные блоки по активным отправителям.
	ReportBlocks() []rtcp.ReceptionReport

	// OnRtcpSent учитывает отправленный составной пакет (avg_rtcp_size,
	// сброс we_sent после отчета).
	OnRtcpSent(p *CompoundPacket)

	// OnRtcpReceive учитывает принятый составной пакет: обновляет
	// таблицу участников, jitter и avg_rtcp_size.
	OnRtcpReceive(p *CompoundPacket)

	// SetRtcpAvgSize принудительно выставляет avg_rtcp_size.
	SetRtcpAvgSize(sizeBytes int)

	// SetRtcpPacketType сообщает вид запланированного пакета.
	SetRtcpPacketType(kind PacketKind)
}

// DtlsHandler граница DTLS-SRTP, потребляемая RTCP обработчиком.
// До завершения handshake трансформеры недоступны и весь защищенный
// трафик отбрасывается.
type DtlsHandler interface {
	// IsHandshakeComplete проверяет, завершен ли DTLS handshake.
	IsHandshakeComplete() bool

	// EncodeRTCP шифрует составной пакет в SRTCP.
	EncodeRTCP(data []byte) ([]byte, error)

	// DecodeRTCP расшифровывает SRTCP датаграмму. Ошибка или пустой
	// результат означают, что пакет не прошел аутентификацию и должен
	// быть отброшен вызывающим.
	DecodeRTCP(data []byte) ([]byte, error)
}
