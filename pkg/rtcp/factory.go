package rtcp

import "github.com/pion/rtcp"

// Фабрика составных пакетов. Собирает отчеты из текущего состояния
// статистики сессии: SR если локальный участник отправлял RTP с момента
// прошлого отчета, иначе RR; SDES с CNAME замыкает каждый пакет.

// SenderInfo данные локального отправителя для Sender Report.
type SenderInfo struct {
	NtpTimestamp uint64 // NTP метка момента отчета
	RtpTimestamp uint32 // Та же метка в единицах RTP clock
	PacketCount  uint32 // Всего отправлено RTP пакетов
	OctetCount   uint32 // Всего отправлено октетов полезной нагрузки
}

// BuildReport собирает очередной составной отчет: SR или RR по признаку
// we_sent, плюс SDES с CNAME локального участника.
func BuildReport(stats Statistics) *CompoundPacket {
	packet := &CompoundPacket{
		SourceDescription: buildSdes(stats),
	}

	if stats.WeSent() {
		info := stats.SenderInfo()
		packet.SenderReport = &rtcp.SenderReport{
			SSRC:        stats.Ssrc(),
			NTPTime:     info.NtpTimestamp,
			RTPTime:     info.RtpTimestamp,
			PacketCount: info.PacketCount,
			OctetCount:  info.OctetCount,
			Reports:     stats.ReportBlocks(),
		}
	} else {
		packet.ReceiverReport = &rtcp.ReceiverReport{
			SSRC:    stats.Ssrc(),
			Reports: stats.ReportBlocks(),
		}
	}
	return packet
}

// BuildBye собирает прощальный пакет: RR + SDES + BYE.
func BuildBye(stats Statistics) *CompoundPacket {
	return &CompoundPacket{
		ReceiverReport: &rtcp.ReceiverReport{
			SSRC: stats.Ssrc(),
		},
		SourceDescription: buildSdes(stats),
		Bye: &rtcp.Goodbye{
			Sources: []uint32{stats.Ssrc()},
		},
	}
}

func buildSdes(stats Statistics) *rtcp.SourceDescription {
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: stats.Ssrc(),
			Items: []rtcp.SourceDescriptionItem{{
				Type: rtcp.SDESCNAME,
				Text: stats.Cname(),
			}},
		}},
	}
}
