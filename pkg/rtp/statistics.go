package rtp

import (
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	pionrtcp "github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/kumaraish/media-core/pkg/rtcp"
)

// Константы алгоритма интервалов RFC 3550 Appendix A.7
const (
	// rtcpMinWait минимальный детерминированный интервал в миллисекундах
	rtcpMinWait = 2500.0

	// rtcpInitialMinWait минимальный интервал до первого отчета
	rtcpInitialMinWait = 500.0

	// rtcpCompensation делитель e-1.5, компенсирующий смещение
	// рандомизированного интервала
	rtcpCompensation = 2.71828 - 1.5

	// rtcpDefaultAvgSize вероятный размер первого составного пакета
	rtcpDefaultAvgSize = 200.0

	// rtcpSenderFraction доля отправителей, ниже которой полоса делится
	// между отправителями и получателями
	rtcpSenderFraction = 0.25

	// senderTimeoutIntervals отчетных интервалов молчания до снятия
	// признака отправителя
	senderTimeoutIntervals = 2

	// memberTimeoutIntervals детерминированных интервалов отсутствия
	// до удаления участника
	memberTimeoutIntervals = 5

	// defaultSessionBandwidth полоса сессии по умолчанию, бит/с
	defaultSessionBandwidth = 64000.0

	// defaultRtcpFraction доля полосы сессии, отводимая RTCP
	defaultRtcpFraction = 0.05
)

// StatisticsConfig конфигурация статистики RTP сессии
type StatisticsConfig struct {
	// Clock источник времени; nil = WallClock
	Clock Clock

	// Ssrc локальный SSRC; 0 = случайный
	Ssrc uint32

	// Cname канонический идентификатор; пустой = "<uuid>@<hostname>"
	Cname string

	// SessionBandwidth полоса сессии в бит/с; 0 = 64000
	SessionBandwidth float64

	// RtcpFraction доля полосы для RTCP; 0 = 5%
	RtcpFraction float64

	// Random источник равномерных значений [0,1) для рандомизации
	// интервала; nil = math/rand
	Random func() float64

	// Logger структурированный лог; nil = slog.Default()
	Logger *slog.Logger

	// Metrics сборщик метрик; nil = показатели сессии не экспортируются
	Metrics *rtcp.Metrics
}

// Statistics статистика одной RTP сессии согласно RFC 3550
//
// Поддерживает таблицу участников, счетчики отправителей, флаг we_sent и
// сглаженный средний размер составных RTCP пакетов. Реализует
// rtcp.Statistics и служит точкой сопряжения RTP и RTCP обработчиков:
// RTP поток питает we_sent и jitter, RTCP поток — членство и avg_rtcp_size.
//
// Все операции thread-safe.
type Statistics struct {
	mutex  sync.Mutex
	logger *slog.Logger

	clock   Clock
	metrics *rtcp.Metrics
	random  func() float64

	ssrc  uint32
	cname string

	// rtcpBw целевая полоса RTCP, бит/с
	rtcpBw float64

	// Таблица участников; локальный SSRC присутствует всегда
	members  map[uint32]*Member
	pmembers int
	senders  int

	// weSent true если локальный участник отправлял RTP с момента
	// предыдущего RTCP отчета
	weSent bool

	// avgRtcpSize EWMA размера составных пакетов, вес 1/16
	avgRtcpSize float64

	// lastDeterministicT последний детерминированный интервал, для
	// таймаутов участников
	lastDeterministicT float64

	// Вид запланированного RTCP пакета
	scheduledKind rtcp.PacketKind

	// Счетчики локального отправителя для Sender Report
	rtpSentPackets uint32
	rtpSentOctets  uint32
	lastRtpTime    uint32 // RTP метка последнего отправленного пакета
	reportedJitter uint32 // jitter о нас из входящих отчетных блоков
}

var _ rtcp.Statistics = (*Statistics)(nil)

// NewStatistics создает статистику сессии с заданной конфигурацией.
func NewStatistics(config StatisticsConfig) *Statistics {
	clock := config.Clock
	if clock == nil {
		clock = NewWallClock()
	}

	ssrc := config.Ssrc
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}

	cname := config.Cname
	if cname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		cname = uuid.NewString() + "@" + host
	}

	bandwidth := config.SessionBandwidth
	if bandwidth == 0 {
		bandwidth = defaultSessionBandwidth
	}
	fraction := config.RtcpFraction
	if fraction == 0 {
		fraction = defaultRtcpFraction
	}

	random := config.Random
	if random == nil {
		random = rand.Float64
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Statistics{
		logger:      logger.With(slog.String("component", "rtp-statistics")),
		clock:       clock,
		metrics:     config.Metrics,
		random:      random,
		ssrc:        ssrc,
		cname:       cname,
		rtcpBw:      bandwidth * fraction,
		members:     make(map[uint32]*Member),
		pmembers:    1,
		avgRtcpSize: rtcpDefaultAvgSize,
	}

	// Локальный участник всегда в таблице
	s.members[ssrc] = &Member{Ssrc: ssrc, LastSeen: clock.CurrentTime()}
	s.lastDeterministicT = rtcpMinWait

	return s
}

// CurrentTime возвращает текущее время в миллисекундах.
func (s *Statistics) CurrentTime() int64 {
	return s.clock.CurrentTime()
}

// Ssrc возвращает локальный SSRC.
func (s *Statistics) Ssrc() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.ssrc
}

// Cname возвращает канонический идентификатор локального участника.
func (s *Statistics) Cname() string {
	return s.cname
}

// Members возвращает текущее число участников.
func (s *Statistics) Members() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.members)
}

// Pmembers возвращает число участников на момент последней передачи.
func (s *Statistics) Pmembers() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pmembers
}

// Senders возвращает число активных отправителей.
func (s *Statistics) Senders() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.senders
}

// WeSent проверяет, отправлял ли локальный участник RTP с момента
// предыдущего отчета.
func (s *Statistics) WeSent() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.weSent
}

// AvgRtcpSize возвращает сглаженный средний размер составного пакета.
func (s *Statistics) AvgRtcpSize() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.avgRtcpSize
}

// ConfirmMembers фиксирует pmembers = members.
func (s *Statistics) ConfirmMembers() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pmembers = len(s.members)
	s.updateGaugesLocked()
}

// ResetMembers сбрасывает таблицу участников до локального SSRC.
func (s *Statistics) ResetMembers() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	local := s.members[s.ssrc]
	s.members = map[uint32]*Member{s.ssrc: local}
	s.pmembers = 1
	s.updateGaugesLocked()
}

// ClearSenders обнуляет счетчик отправителей и флаг we_sent.
func (s *Statistics) ClearSenders() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.senders = 0
	s.weSent = false
	for _, m := range s.members {
		m.IsSender = false
	}
	s.updateGaugesLocked()
}

// SetRtcpAvgSize принудительно выставляет avg_rtcp_size.
func (s *Statistics) SetRtcpAvgSize(sizeBytes int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.avgRtcpSize = float64(sizeBytes)
	s.updateGaugesLocked()
}

// SetRtcpPacketType сообщает вид запланированного RTCP пакета.
func (s *Statistics) SetRtcpPacketType(kind rtcp.PacketKind) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.scheduledKind = kind
}

// ScheduledPacketType возвращает вид запланированного RTCP пакета.
func (s *Statistics) ScheduledPacketType() rtcp.PacketKind {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.scheduledKind
}

// RtcpInterval вычисляет рандомизированный интервал до следующей передачи
// согласно RFC 3550 Appendix A.7: T × U, U равномерно на [0.5, 1.5],
// результат делится на e-1.5.
func (s *Statistics) RtcpInterval(initial bool) int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t := s.deterministicIntervalLocked(initial)
	t = t * (0.5 + s.random()) / rtcpCompensation
	return int64(t)
}

// deterministicIntervalLocked вычисляет детерминированный интервал T в
// миллисекундах по текущему состоянию сессии.
func (s *Statistics) deterministicIntervalLocked(initial bool) float64 {
	members := len(s.members)
	senders := s.senders

	n := float64(members)
	bw := s.rtcpBw

	// Меньше четверти участников отправляет: полоса делится между
	// отправителями (1/4) и получателями (3/4)
	if senders > 0 && float64(senders) < float64(members)*rtcpSenderFraction {
		if s.weSent {
			n = float64(senders)
			bw *= rtcpSenderFraction
		} else {
			n = float64(members - senders)
			bw *= 1 - rtcpSenderFraction
		}
	}

	tmin := rtcpMinWait
	if initial {
		tmin = rtcpInitialMinWait
	}

	// Средний размер в байтах, полоса в бит/с, результат в миллисекундах
	t := n * s.avgRtcpSize * 8 / bw * 1000
	if t < tmin {
		t = tmin
	}

	s.lastDeterministicT = t
	return t
}

// OnRtpSent учитывает отправленный локальный RTP пакет: выставляет we_sent
// и признак отправителя, накапливает счетчики для Sender Report.
func (s *Statistics) OnRtpSent(packet *rtp.Packet) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.CurrentTime()
	s.weSent = true
	s.rtpSentPackets++
	s.rtpSentOctets += uint32(len(packet.Payload))
	s.lastRtpTime = packet.Timestamp

	local := s.members[s.ssrc]
	local.LastSeen = now
	local.LastRtpSeen = now
	if !local.IsSender {
		local.IsSender = true
		s.senders++
		s.updateGaugesLocked()
	}
}

// OnRtpReceive учитывает принятый RTP пакет удаленного участника:
// регистрирует участника, помечает его отправителем и обновляет
// sequence tracking и jitter.
func (s *Statistics) OnRtpReceive(packet *rtp.Packet) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.CurrentTime()
	m := s.memberLocked(packet.SSRC, now)

	if m.Received == 0 {
		m.BaseSeq = packet.SequenceNumber
		m.MaxSeq = packet.SequenceNumber
	}
	m.updateSeq(packet.SequenceNumber)
	m.updateJitter(now - int64(packet.Timestamp))
	m.LastSeen = now
	m.LastRtpSeen = now

	if !m.IsSender {
		m.IsSender = true
		s.senders++
		s.updateGaugesLocked()
	}
}

// OnRtcpReceive учитывает принятый составной RTCP пакет: обновляет таблицу
// участников, привязку к SR, jitter о локальном участнике и avg_rtcp_size.
func (s *Statistics) OnRtcpReceive(packet *rtcp.CompoundPacket) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.CurrentTime()
	s.updateAvgSizeLocked(packet.Size())

	if ssrc, ok := packet.Ssrc(); ok && ssrc != s.ssrc {
		m := s.memberLocked(ssrc, now)
		m.LastSeen = now

		// Источник SR по определению отправитель
		if sr := packet.SenderReport; sr != nil {
			m.LastSrNtp = rtcp.MiddleNTP(sr.NTPTime)
			m.LastSrRecvTime = now
			if !m.IsSender {
				m.IsSender = true
				s.senders++
			}
		}
	}

	// Отчетные блоки о локальном участнике несут jitter с точки зрения
	// удаленной стороны
	for _, rb := range packet.ReportBlocks() {
		if rb.SSRC == s.ssrc {
			s.reportedJitter = rb.Jitter
		}
	}

	// Участники SDES chunks регистрируются в таблице
	if sdes := packet.SourceDescription; sdes != nil {
		for i := range sdes.Chunks {
			if sdes.Chunks[i].Source != s.ssrc {
				s.memberLocked(sdes.Chunks[i].Source, now).LastSeen = now
			}
		}
	}

	// BYE удаляет участников из таблицы
	if bye := packet.Bye; bye != nil {
		for _, ssrc := range bye.Sources {
			if ssrc == s.ssrc {
				continue
			}
			if m, ok := s.members[ssrc]; ok {
				if m.IsSender {
					s.senders--
				}
				delete(s.members, ssrc)
			}
		}
	}
	s.updateGaugesLocked()
}

// OnRtcpSent учитывает отправленный составной пакет: обновляет
// avg_rtcp_size и сбрасывает we_sent до следующей отправки RTP.
func (s *Statistics) OnRtcpSent(packet *rtcp.CompoundPacket) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.updateAvgSizeLocked(packet.Size())
	s.weSent = false
	s.updateGaugesLocked()
}

// SenderInfo возвращает данные локального отправителя для Sender Report.
func (s *Statistics) SenderInfo() rtcp.SenderInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return rtcp.SenderInfo{
		NtpTimestamp: rtcp.NTPTimestamp(time.Now()),
		RtpTimestamp: s.lastRtpTime,
		PacketCount:  s.rtpSentPackets,
		OctetCount:   s.rtpSentOctets,
	}
}

// ReportBlocks собирает отчетные блоки по активным удаленным отправителям.
func (s *Statistics) ReportBlocks() []pionrtcp.ReceptionReport {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.CurrentTime()
	blocks := make([]pionrtcp.ReceptionReport, 0, s.senders)

	for ssrc, m := range s.members {
		if ssrc == s.ssrc || !m.IsSender || m.Received == 0 {
			continue
		}
		blocks = append(blocks, m.reportBlock(now))
		if len(blocks) == 0x1F {
			break
		}
	}
	return blocks
}

// IsSenderTimeout выполняет проход по таблице участников: снимает признак
// отправителя после двух отчетных интервалов без RTP и удаляет участников,
// не замеченных пять детерминированных интервалов. Локальный участник
// никогда не удаляется; его we_sent гаснет вместе с признаком отправителя.
func (s *Statistics) IsSenderTimeout() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.CurrentTime()
	senderDeadline := int64(s.lastDeterministicT * senderTimeoutIntervals)
	memberDeadline := int64(s.lastDeterministicT * memberTimeoutIntervals)

	timedOut := false
	for ssrc, m := range s.members {
		if m.IsSender && now-m.LastRtpSeen > senderDeadline {
			m.IsSender = false
			s.senders--
			timedOut = true
			if ssrc == s.ssrc {
				s.weSent = false
			}
		}

		if ssrc != s.ssrc && now-m.LastSeen > memberDeadline {
			if m.IsSender {
				s.senders--
			}
			delete(s.members, ssrc)
			s.logger.Debug("участник удален по таймауту", slog.Any("ssrc", ssrc))
		}
	}

	if timedOut {
		s.updateGaugesLocked()
	}
	return timedOut
}

// ReportedJitter возвращает jitter о локальном участнике из последнего
// входящего отчетного блока.
func (s *Statistics) ReportedJitter() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.reportedJitter
}

// memberLocked возвращает запись участника, создавая новую при первом
// появлении SSRC.
func (s *Statistics) memberLocked(ssrc uint32, now int64) *Member {
	m, ok := s.members[ssrc]
	if !ok {
		m = &Member{Ssrc: ssrc, LastSeen: now}
		s.members[ssrc] = m
		s.logger.Debug("новый участник сессии", slog.Any("ssrc", ssrc))
	}
	return m
}

// updateAvgSizeLocked сглаживает средний размер составного пакета:
// avg ← (15/16)·avg + (1/16)·size
func (s *Statistics) updateAvgSizeLocked(sizeBytes int) {
	s.avgRtcpSize = (15*s.avgRtcpSize + float64(sizeBytes)) / 16
}

func (s *Statistics) updateGaugesLocked() {
	s.metrics.SetSessionGauges(len(s.members), s.senders, s.avgRtcpSize)
}
