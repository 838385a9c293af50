package rtp

import pionrtcp "github.com/pion/rtcp"

// Member запись таблицы участников RTP сессии согласно RFC 3550
//
// Содержит все, что нужно для генерации отчетного блока об источнике:
// отслеживание sequence numbers, потери, jitter и привязку к последнему
// полученному Sender Report.
type Member struct {
	Ssrc uint32

	// LastSeen время последней активности участника (RTP или RTCP),
	// миллисекунды
	LastSeen int64

	// IsSender признак активного отправителя RTP
	IsSender bool

	// LastRtpSeen время последнего RTP пакета от участника, для таймаута
	// отправителя
	LastRtpSeen int64

	// RTP sequence tracking
	BaseSeq  uint16 // Первый полученный sequence number
	MaxSeq   uint16 // Максимальный полученный sequence number
	Cycles   uint16 // Количество переполнений sequence number
	Received uint32 // Всего принято пакетов

	// Счетчики потерь для fraction lost (RFC 3550 Appendix A.3)
	ExpectedPrior uint32
	ReceivedPrior uint32

	// Jitter (RFC 3550 Appendix A.8)
	Jitter      float64
	LastTransit int64

	// Привязка к последнему Sender Report источника
	LastSrNtp      uint32 // Средние 32 бита NTP метки последнего SR
	LastSrRecvTime int64  // Время приема последнего SR, миллисекунды
}

// extendedSeq возвращает 32-битный расширенный sequence number.
func (m *Member) extendedSeq() uint32 {
	return uint32(m.Cycles)<<16 | uint32(m.MaxSeq)
}

// updateSeq учитывает очередной sequence number, отслеживая переполнения.
func (m *Member) updateSeq(seq uint16) {
	if seq < m.MaxSeq && m.MaxSeq-seq > 0x8000 {
		m.Cycles++
	}
	if seq > m.MaxSeq || m.MaxSeq-seq > 0x8000 {
		m.MaxSeq = seq
	}
	m.Received++
}

// updateJitter пересчитывает jitter по времени прохождения очередного
// пакета согласно RFC 3550 Appendix A.8.
func (m *Member) updateJitter(transit int64) {
	if m.LastTransit != 0 {
		d := float64(transit - m.LastTransit)
		if d < 0 {
			d = -d
		}
		m.Jitter += (d - m.Jitter) / 16.0
	}
	m.LastTransit = transit
}

// reportBlock строит отчетный блок об участнике, вычисляя потери по
// RFC 3550 Appendix A.3. Обновляет счетчики prior для fraction lost.
func (m *Member) reportBlock(now int64) pionrtcp.ReceptionReport {
	extended := m.extendedSeq()
	expected := extended - uint32(m.BaseSeq) + 1

	expectedInterval := expected - m.ExpectedPrior
	receivedInterval := m.Received - m.ReceivedPrior
	m.ExpectedPrior = expected
	m.ReceivedPrior = m.Received

	var fraction uint8
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		lost := expectedInterval - receivedInterval
		fraction = uint8((lost << 8) / expectedInterval)
	}

	var cumulative uint32
	if expected > m.Received {
		cumulative = (expected - m.Received) & 0x00FFFFFF
	}

	var dlsr uint32
	// LSR = 0 означает, что SR от источника еще не получен (RFC 3550
	// Section 6.4.1); время приема 0 допустимо для часов сессии
	if m.LastSrNtp != 0 {
		dlsr = uint32((now - m.LastSrRecvTime) * 65536 / 1000)
	}

	return pionrtcp.ReceptionReport{
		SSRC:               m.Ssrc,
		FractionLost:       fraction,
		TotalLost:          cumulative,
		LastSequenceNumber: extended,
		Jitter:             uint32(m.Jitter),
		LastSenderReport:   m.LastSrNtp,
		Delay:              dlsr,
	}
}
