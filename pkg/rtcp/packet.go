// Кодек составных RTCP пакетов согласно RFC 3550 Section 6
//
// Проводной формат отдельных под-пакетов (SR, RR, SDES, BYE) кодирует и
// разбирает pion/rtcp; пакет добавляет поверх библиотеки правила составного
// пакета: порядок под-пакетов, обязательный CNAME, классификацию для
// планировщика передачи и таксономию ошибок обработчика.
package rtcp

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

// Version версия протокола RTP/RTCP
const Version uint8 = 2

// PacketKind классифицирует составной пакет для планировщика передачи.
// Планировщик оперирует только двумя видами: очередной отчет (SR или RR)
// и прощальный пакет.
type PacketKind int

const (
	KindReport PacketKind = iota // SR или RR с SDES
	KindBye                      // RR + SDES + BYE
)

func (k PacketKind) String() string {
	switch k {
	case KindReport:
		return "RTCP_REPORT"
	case KindBye:
		return "RTCP_BYE"
	default:
		return "unknown"
	}
}

// CompoundPacket составной RTCP пакет: упорядоченная непустая
// последовательность под-пакетов, передаваемая одной датаграммой.
// Первым идет SR или RR, далее SDES с CNAME, BYE замыкает.
type CompoundPacket struct {
	SenderReport      *rtcp.SenderReport
	ReceiverReport    *rtcp.ReceiverReport
	SourceDescription *rtcp.SourceDescription
	Bye               *rtcp.Goodbye

	// Skipped количество под-пакетов с PT вне SR/RR/SDES/BYE, пропущенных
	// при декодировании. Вызывающий логирует предупреждение.
	Skipped int
}

// Kind возвращает вид пакета для планировщика.
func (p *CompoundPacket) Kind() PacketKind {
	if p.Bye != nil {
		return KindBye
	}
	return KindReport
}

// HasBye проверяет наличие BYE под-пакета.
func (p *CompoundPacket) HasBye() bool {
	return p.Bye != nil
}

// IsSender проверяет, что пакет открывается Sender Report.
func (p *CompoundPacket) IsSender() bool {
	return p.SenderReport != nil
}

// Cname возвращает первый CNAME item из SDES или пустую строку.
func (p *CompoundPacket) Cname() string {
	if p.SourceDescription == nil {
		return ""
	}
	for _, chunk := range p.SourceDescription.Chunks {
		for _, item := range chunk.Items {
			if item.Type == rtcp.SDESCNAME {
				return item.Text
			}
		}
	}
	return ""
}

// ReportBlocks возвращает отчетные блоки открывающего отчета.
func (p *CompoundPacket) ReportBlocks() []rtcp.ReceptionReport {
	if p.SenderReport != nil {
		return p.SenderReport.Reports
	}
	if p.ReceiverReport != nil {
		return p.ReceiverReport.Reports
	}
	return nil
}

// Ssrc возвращает SSRC отправителя составного пакета.
func (p *CompoundPacket) Ssrc() (uint32, bool) {
	if p.SenderReport != nil {
		return p.SenderReport.SSRC, true
	}
	if p.ReceiverReport != nil {
		return p.ReceiverReport.SSRC, true
	}
	return 0, false
}

// packets возвращает под-пакеты в проводном порядке: SR|RR, SDES, BYE.
func (p *CompoundPacket) packets() []rtcp.Packet {
	subs := make([]rtcp.Packet, 0, 3)
	if p.SenderReport != nil {
		subs = append(subs, p.SenderReport)
	} else if p.ReceiverReport != nil {
		subs = append(subs, p.ReceiverReport)
	}
	if p.SourceDescription != nil {
		subs = append(subs, p.SourceDescription)
	}
	if p.Bye != nil {
		subs = append(subs, p.Bye)
	}
	return subs
}

// Marshal кодирует составной пакет в датаграмму.
//
// Пакет без открывающего отчета или без SDES CNAME нарушает
// RFC 3550 Section 6.1 и отклоняется.
func (p *CompoundPacket) Marshal() ([]byte, error) {
	if p.SenderReport == nil && p.ReceiverReport == nil {
		return nil, fmt.Errorf("%w: составной пакет без SR/RR", ErrMalformedPacket)
	}
	if p.Cname() == "" {
		return nil, fmt.Errorf("%w: составной пакет без SDES CNAME", ErrMalformedPacket)
	}

	var data []byte
	for _, sub := range p.packets() {
		encoded, err := sub.Marshal()
		if err != nil {
			return nil, fmt.Errorf("ошибка кодирования %T: %w", sub, err)
		}
		data = append(data, encoded...)
	}
	return data, nil
}

// Encode кодирует составной пакет в data начиная с offset.
// Возвращает количество записанных байт.
func (p *CompoundPacket) Encode(data []byte, offset int) (int, error) {
	encoded, err := p.Marshal()
	if err != nil {
		return 0, err
	}
	if len(data)-offset < len(encoded) {
		return 0, fmt.Errorf("буфер мал для составного пакета: %d < %d", len(data)-offset, len(encoded))
	}
	copy(data[offset:], encoded)
	return len(encoded), nil
}

// Size возвращает полный размер закодированного составного пакета в байтах.
// В отличие от Marshal не требует валидности составного пакета: размер
// нужен статистике и для входящих пакетов без CNAME.
func (p *CompoundPacket) Size() int {
	n := 0
	for _, sub := range p.packets() {
		if encoded, err := sub.Marshal(); err == nil {
			n += len(encoded)
		}
	}
	return n
}

// Decode разбирает составной пакет из data начиная с offset.
//
// Версию и суммирование длин под-пакетов по длине датаграммы проверяет
// pion/rtcp; нарушения оборачиваются в ErrMalformedPacket. Первым
// под-пакетом обязан идти SR или RR. Под-пакеты с другими PT
// пропускаются с инкрементом Skipped, разбор продолжается.
func (p *CompoundPacket) Decode(data []byte, offset int) error {
	if offset >= len(data) {
		return fmt.Errorf("%w: пустая датаграмма", ErrMalformedPacket)
	}

	subs, err := rtcp.Unmarshal(data[offset:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if len(subs) == 0 {
		return fmt.Errorf("%w: пустой составной пакет", ErrMalformedPacket)
	}

	switch subs[0].(type) {
	case *rtcp.SenderReport, *rtcp.ReceiverReport:
	default:
		return fmt.Errorf("%w: составной пакет открывается не SR/RR", ErrMalformedPacket)
	}

	for _, sub := range subs {
		switch s := sub.(type) {
		case *rtcp.SenderReport:
			p.SenderReport = s
		case *rtcp.ReceiverReport:
			p.ReceiverReport = s
		case *rtcp.SourceDescription:
			p.SourceDescription = s
		case *rtcp.Goodbye:
			p.Bye = s
		default:
			p.Skipped++
		}
	}
	return nil
}

// NTPTimestamp конвертирует время в 64-битную NTP метку согласно RFC 3550.
// Старшие 32 бита — секунды с 1 января 1900, младшие — дробная часть.
func NTPTimestamp(t time.Time) uint64 {
	s := uint64(t.UnixNano()) + 2208988800*1000000000
	return (s/1000000000)<<32 | (s%1000000000)<<32/1000000000
}

// MiddleNTP возвращает средние 32 бита NTP метки (поле LSR отчетных блоков).
func MiddleNTP(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}
