// Обработчик RTCP трафика сессии: планировщик передачи, диспетчер входящих
// составных пакетов и жизненный цикл участника
//
// Реализует адаптивный алгоритм передачи RTCP согласно RFC 3550 Section 6.3:
//   - Timer reconsideration при каждом срабатывании таймера передачи
//   - Reverse reconsideration при получении BYE, сжимающего членство
//   - Отложенная отправка BYE при выходе из сессии
//   - SSRC sweep с периодом 7 секунд для таймаута отправителей
//
// Для WebRTC вызовов трафик проходит через границу DTLS-SRTP: до завершения
// handshake все входящие и исходящие пакеты отбрасываются.
//
// Конкурентная модель: таймер передачи, SSRC sweep и поток приема датаграмм
// разделяют состояние сессии; каждая операция выполняется целиком под
// мьютексом сессии.
package rtcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/rtcp"

	"github.com/kumaraish/media-core/pkg/transport"
)

// ssrcTaskDelay период между проходами SSRC sweep
const ssrcTaskDelay = 7 * time.Second

// maxPacketSize размер исходящего буфера датаграмм
const maxPacketSize = 8192

// Состояния планировщика передачи
const (
	stateIdle            = "idle"
	stateReportScheduled = "report_scheduled"
	stateByeScheduled    = "bye_scheduled"
	stateTerminated      = "terminated"
)

// События планировщика передачи
const (
	eventScheduleReport = "schedule_report"
	eventScheduleBye    = "schedule_bye"
	eventTerminate      = "terminate"
	eventReset          = "reset"
)

// txTask запланированная передача одного составного пакета.
// В каждый момент времени существует не более одной задачи; перепланирование
// заменяет таймер той же задачи.
type txTask struct {
	kind  PacketKind
	timer *time.Timer
}

func (t *txTask) cancel() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// HandlerConfig конфигурация RTCP обработчика
type HandlerConfig struct {
	// Statistics статистика RTP сессии (обязательна)
	Statistics Statistics

	// Channel датаграммный канал для отправки отчетов (может быть
	// установлен позже через SetChannel)
	Channel transport.DatagramChannel

	// Logger структурированный лог; nil = slog.Default()
	Logger *slog.Logger

	// Metrics сборщик метрик; nil = метрики отключены
	Metrics *Metrics

	// PipelinePriority приоритет в конвейере обработчиков канала
	PipelinePriority int
}

// Handler обработчик RTCP трафика одной RTP сессии.
//
// Владеет таймером передачи и SSRC sweep; датаграммный канал и DTLS
// обработчик заимствуются. Реализует transport.PacketHandler.
type Handler struct {
	mutex  sync.Mutex
	logger *slog.Logger

	// Core
	channel          transport.DatagramChannel
	buffer           []byte
	pipelinePriority int

	// RTCP
	stats     Statistics
	metrics   *Metrics
	machine   *fsm.FSM
	scheduled *txTask

	// txClosed true после reset: планирование невозможно, планировщик
	// в терминальном состоянии до следующего join
	txClosed bool

	// SSRC sweep
	ssrcStop chan struct{}

	// tp время последней передачи RTCP, tn время следующей (миллисекунды)
	tp int64
	tn int64

	// initial true до первой успешной отправки RTCP пакета
	initial bool

	// joined true пока обработчик состоит в RTP сессии
	joined bool

	// WebRTC
	secure bool
	dtls   DtlsHandler
}

var _ transport.PacketHandler = (*Handler)(nil)

// NewHandler создает RTCP обработчик для заданной статистики сессии.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Statistics == nil {
		return nil, fmt.Errorf("статистика сессии обязательна")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		logger:           logger.With(slog.String("component", "rtcp")),
		channel:          config.Channel,
		buffer:           make([]byte, maxPacketSize),
		pipelinePriority: config.PipelinePriority,
		stats:            config.Statistics,
		metrics:          config.Metrics,
		tp:               0,
		tn:               -1,
		initial:          true,
		txClosed:         true,
	}

	h.machine = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventScheduleReport, Src: []string{stateIdle, stateReportScheduled}, Dst: stateReportScheduled},
			{Name: eventScheduleBye, Src: []string{stateIdle, stateReportScheduled, stateByeScheduled}, Dst: stateByeScheduled},
			{Name: eventTerminate, Src: []string{stateIdle, stateReportScheduled, stateByeScheduled}, Dst: stateTerminated},
			{Name: eventReset, Src: []string{stateIdle, stateReportScheduled, stateByeScheduled, stateTerminated}, Dst: stateIdle},
		},
		fsm.Callbacks{},
	)

	return h, nil
}

// SetChannel привязывает датаграммный канал.
func (h *Handler) SetChannel(channel transport.DatagramChannel) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.channel = channel
}

// PipelinePriority возвращает приоритет обработчика в конвейере.
func (h *Handler) PipelinePriority() int {
	return h.pipelinePriority
}

// SetPipelinePriority задает приоритет обработчика в конвейере.
func (h *Handler) SetPipelinePriority(priority int) {
	h.pipelinePriority = priority
}

// IsInitial проверяет, что в текущей сессии еще не отправлен ни один
// RTCP пакет.
func (h *Handler) IsInitial() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.initial
}

// IsJoined проверяет, состоит ли обработчик в RTP сессии.
func (h *Handler) IsJoined() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.joined
}

// SchedulerState возвращает текущее состояние планировщика передачи.
func (h *Handler) SchedulerState() string {
	return h.machine.Current()
}

// EnableSRTCP переводит канал в защищенный режим: весь трафик проходит
// через трансформеры DTLS обработчика. До завершения handshake входящие
// и исходящие пакеты отбрасываются.
func (h *Handler) EnableSRTCP(dtls DtlsHandler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.dtls = dtls
	h.secure = true
}

// DisableSRTCP возвращает канал в открытый режим. Вызов во время
// выполняющегося handshake недопустим.
func (h *Handler) DisableSRTCP() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.disableSRTCPLocked()
}

func (h *Handler) disableSRTCPLocked() error {
	if hs, ok := h.dtls.(interface{ IsHandshaking() bool }); ok && hs.IsHandshaking() {
		return fmt.Errorf("%w: DTLS handshake выполняется", ErrInvalidState)
	}
	h.dtls = nil
	h.secure = false
	return nil
}

// JoinRtpSession присоединяет участника к RTP сессии.
//
// Планирует первую передачу отчета на tc + T с initial Tmin и запускает
// SSRC sweep. Повторный вызов в состоянии joined игнорируется.
func (h *Handler) JoinRtpSession() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.joined {
		return
	}

	// Свежие таймеры после предыдущего reset
	h.txClosed = false
	h.fireEvent(eventReset)

	// Первая передача отчета
	t := h.stats.RtcpInterval(h.initial)
	h.tn = h.stats.CurrentTime() + t
	h.scheduleLocked(h.tn, KindReport)

	// SSRC sweep
	h.ssrcStop = make(chan struct{})
	go h.ssrcLoop(h.ssrcStop)

	h.joined = true
	h.logger.Info("joined RTP session", slog.Int64("first_report_ms", t))
}

// LeaveRtpSession покидает RTP сессию.
//
// Останавливает SSRC sweep, сбрасывает членство до локального участника и
// планирует единственный BYE на tc + T. Таймер передачи остается жив,
// чтобы BYE мог сработать. Повторный вызов вне сессии игнорируется.
func (h *Handler) LeaveRtpSession() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.joined {
		return
	}
	h.logger.Info("leaving RTP session")

	h.stopSsrcLocked()

	// При выходе tp сбрасывается к tc, членство к единице, а
	// avg_rtcp_size к размеру составного BYE пакета
	h.tp = h.stats.CurrentTime()
	h.stats.ResetMembers()
	h.initial = true
	h.stats.ClearSenders()
	h.stats.SetRtcpAvgSize(BuildBye(h.stats).Size())

	// Запланированный отчет вытесняется прощальным пакетом
	if h.scheduled != nil {
		h.scheduled.cancel()
	}

	t := h.stats.RtcpInterval(h.initial)
	h.tn = h.stats.CurrentTime() + t
	h.scheduleLocked(h.tn, KindBye)

	h.joined = false
}

// Reset возвращает обработчик к состоянию после конструирования.
// Недопустим внутри активной сессии.
func (h *Handler) Reset() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.joined {
		return fmt.Errorf("%w: reset внутри активной RTP сессии", ErrInvalidState)
	}
	h.resetLocked()
	return nil
}

func (h *Handler) resetLocked() {
	if h.scheduled != nil {
		h.scheduled.cancel()
		h.scheduled = nil
	}
	h.txClosed = true
	h.stopSsrcLocked()

	h.tp = 0
	h.tn = -1
	h.initial = true
	h.joined = false

	if h.secure {
		if err := h.disableSRTCPLocked(); err != nil {
			h.logger.Warn("SRTCP не отключен при reset", slog.Any("error", err))
		}
	}
	h.fireEvent(eventReset)
}

// NextScheduledReport возвращает интервал в миллисекундах до следующей
// запланированной передачи или -1, если передача не запланирована.
func (h *Handler) NextScheduledReport() int64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	delay := h.tn - h.stats.CurrentTime()
	if delay < 0 {
		return -1
	}
	return delay
}

// CanHandle проверяет, что датаграмма открывается составным RTCP пакетом:
// версия 2, первый под-пакет SR или RR, бит padding на первом под-пакете
// сброшен.
func (h *Handler) CanHandle(data []byte, dataLength, offset int) bool {
	if dataLength < 2 || offset+2 > len(data) {
		return false
	}

	version := (data[offset] & 0xC0) >> 6
	if version != Version {
		return false
	}

	packetType := rtcp.PacketType(data[offset+1])
	if packetType != rtcp.TypeSenderReport && packetType != rtcp.TypeReceiverReport {
		return false
	}

	// Padding применяется только к последнему под-пакету составного пакета
	padding := (data[offset] & 0x20) >> 5
	return padding == 0
}

// Handle обрабатывает входящую RTCP датаграмму. RTCP никогда не отвечает
// немедленно, поэтому первый результат всегда nil.
func (h *Handler) Handle(data []byte, dataLength, offset int, local, remote net.Addr) ([]byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.joined {
		return nil, fmt.Errorf("%w: датаграмма вне RTP сессии", ErrInvalidState)
	}

	// До завершения DTLS handshake защищенный трафик не обрабатывается
	if h.secure && !h.dtls.IsHandshakeComplete() {
		return nil, nil
	}

	if !h.CanHandle(data, dataLength, offset) {
		h.logger.Warn("входящий пакет не распознан как RTCP")
		return nil, transport.ErrUnsupportedPacket
	}

	payload := data[offset : offset+dataLength]
	if h.secure {
		decoded, err := h.dtls.DecodeRTCP(payload)
		if err != nil || len(decoded) == 0 {
			h.logger.Warn("SRTCP пакет не расшифрован и будет отброшен", slog.Any("error", err))
			h.metrics.IncDropped(dropCryptoDecode)
			return nil, nil
		}
		payload = decoded
	}

	packet := &CompoundPacket{}
	if err := packet.Decode(payload, 0); err != nil {
		h.logger.Warn("некорректный RTCP пакет отброшен", slog.Any("error", err))
		h.metrics.IncDropped(dropMalformed)
		return nil, nil
	}
	if packet.Skipped > 0 {
		h.logger.Warn("под-пакеты с неизвестным PT пропущены", slog.Int("skipped", packet.Skipped))
	}

	h.logger.Debug("INCOMING RTCP", slog.String("kind", packet.Kind().String()),
		slog.Int("size", len(payload)))

	h.stats.OnRtcpReceive(packet)
	h.metrics.ObserveReceived(len(payload))

	// Reverse reconsideration: BYE, сжимающий членство ниже pmembers,
	// подтягивает запланированный отчет ближе к текущему моменту
	if packet.HasBye() && h.scheduled != nil && h.scheduled.kind == KindReport {
		members := h.stats.Members()
		pmembers := h.stats.Pmembers()
		if members < pmembers && pmembers > 0 {
			tc := h.stats.CurrentTime()
			ratio := float64(members) / float64(pmembers)
			h.tn = tc + int64(ratio*float64(h.tn-tc))
			h.tp = tc - int64(ratio*float64(tc-h.tp))

			h.rescheduleLocked(h.scheduled, h.tn)
			h.stats.ConfirmMembers()
		}
	}

	// RTCP обработчик не отправляет немедленных ответов
	return nil, nil
}

// scheduleLocked планирует передачу пакета вида kind на момент timestamp.
// Вызывается под мьютексом сессии.
func (h *Handler) scheduleLocked(timestamp int64, kind PacketKind) {
	if h.txClosed {
		h.logger.Warn("отчеты больше не планируются", slog.Any("error", ErrTimerClosed))
		return
	}

	interval := timestamp - h.stats.CurrentTime()
	if interval < 0 {
		interval = 0
	}

	task := &txTask{kind: kind}
	task.timer = time.AfterFunc(time.Duration(interval)*time.Millisecond, func() {
		h.onExpire(task)
	})
	h.scheduled = task

	// RTP обработчик узнает вид запланированного пакета
	h.stats.SetRtcpPacketType(kind)

	switch kind {
	case KindReport:
		h.fireEvent(eventScheduleReport)
	case KindBye:
		h.fireEvent(eventScheduleBye)
	}
}

// rescheduleLocked переносит ранее запланированную задачу на timestamp.
func (h *Handler) rescheduleLocked(task *txTask, timestamp int64) {
	task.cancel()
	if h.txClosed {
		h.logger.Warn("задача не перепланирована", slog.Any("error", ErrTimerClosed))
		return
	}

	interval := timestamp - h.stats.CurrentTime()
	if interval < 0 {
		interval = 0
	}
	task.timer = time.AfterFunc(time.Duration(interval)*time.Millisecond, func() {
		h.onExpire(task)
	})
}

// onExpire решает при срабатывании таймера, отправить ли запланированный
// пакет сейчас или перенести передачу (timer reconsideration), и
// поддерживает pmembers, initial, tp и avg_rtcp_size.
func (h *Handler) onExpire(task *txTask) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.handleExpiryLocked(task); err != nil {
		h.logger.Error("ошибка при обработке срабатывания таймера, сессия останавливается",
			slog.Any("error", err))
		h.teardownLocked()
	}
}

func (h *Handler) handleExpiryLocked(task *txTask) error {
	tc := h.stats.CurrentTime()

	switch task.kind {
	case KindReport:
		// Отмена, гонящаяся с срабатыванием, наблюдается здесь
		if !h.joined {
			return nil
		}

		t := h.stats.RtcpInterval(h.initial)
		h.tn = h.tp + t

		if h.tn <= tc {
			report := BuildReport(h.stats)
			if err := h.sendPacketLocked(report); err != nil {
				return err
			}

			h.tp = tc

			// Интервал перерисовывается: вычисленный выше обусловлен
			// тем, что оказался достаточно мал для отправки, и потому
			// распределен иначе
			t = h.stats.RtcpInterval(h.initial)
			h.tn = tc + t
		}

		// Следующий отчет планируется только внутри сессии
		h.scheduleLocked(h.tn, KindReport)
		h.stats.ConfirmMembers()

	case KindBye:
		// BYE никогда не отбрасывается, только откладывается
		t := h.stats.RtcpInterval(h.initial)
		h.tn = h.tp + t

		if h.tn <= tc {
			bye := BuildBye(h.stats)
			h.stats.SetRtcpAvgSize(bye.Size())

			if err := h.sendPacketLocked(bye); err != nil {
				return err
			}
			h.closeChannelLocked()
			h.fireEvent(eventTerminate)
			h.resetLocked()
			return nil
		}

		h.scheduleLocked(h.tn, KindBye)

	default:
		h.logger.Warn("неизвестный вид запланированного пакета")
	}
	return nil
}

// sendPacketLocked кодирует, при необходимости шифрует и отправляет
// составной пакет в канал.
func (h *Handler) sendPacketLocked(packet *CompoundPacket) error {
	// Во время DTLS handshake отправка не выполняется
	if h.secure && !h.dtls.IsHandshakeComplete() {
		return nil
	}

	if h.channel == nil || !h.channel.IsOpen() || !h.channel.IsConnected() {
		h.logger.Warn("пакет не отправлен: канал закрыт",
			slog.String("kind", packet.Kind().String()))
		return nil
	}

	size, err := packet.Encode(h.buffer, 0)
	if err != nil {
		return fmt.Errorf("ошибка кодирования RTCP: %w", err)
	}

	data := h.buffer[:size]
	if h.secure {
		data, err = h.dtls.EncodeRTCP(data)
		if err != nil {
			return fmt.Errorf("ошибка шифрования SRTCP: %w", err)
		}
	}

	h.logger.Debug("OUTGOING RTCP", slog.String("kind", packet.Kind().String()),
		slog.Int("size", len(data)))

	if _, err := h.channel.Send(data, h.channel.RemoteAddr()); err != nil {
		// Статистика по неотправленному пакету не обновляется
		h.logger.Warn("ошибка отправки RTCP пакета", slog.Any("error", err))
		h.metrics.IncDropped(dropTransport)
		return nil
	}

	// Отправлен хотя бы один RTCP пакет
	h.initial = false

	h.stats.OnRtcpSent(packet)
	h.metrics.ObserveSent(size)
	return nil
}

// closeChannelLocked отключает и закрывает датаграммный канал после BYE.
func (h *Handler) closeChannelLocked() {
	if h.channel == nil {
		return
	}
	if h.channel.IsConnected() {
		if err := h.channel.Disconnect(); err != nil {
			h.logger.Warn("ошибка отключения канала", slog.Any("error", err))
		}
	}
	if h.channel.IsOpen() {
		if err := h.channel.Close(); err != nil {
			h.logger.Warn("ошибка закрытия канала", slog.Any("error", err))
		}
	}
}

// teardownLocked принудительная остановка после ошибки в onExpire.
func (h *Handler) teardownLocked() {
	h.joined = false
	h.fireEvent(eventTerminate)
	h.resetLocked()
}

// ssrcLoop периодический проход по таблице участников.
func (h *Handler) ssrcLoop(stop chan struct{}) {
	ticker := time.NewTicker(ssrcTaskDelay)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.mutex.Lock()
			if h.stats.IsSenderTimeout() {
				h.logger.Debug("отправители сняты по таймауту")
			}
			h.mutex.Unlock()
		}
	}
}

func (h *Handler) stopSsrcLocked() {
	if h.ssrcStop != nil {
		close(h.ssrcStop)
		h.ssrcStop = nil
	}
}

// fireEvent переводит машину состояний планировщика; недопустимый переход
// логируется и не прерывает протокольный поток.
func (h *Handler) fireEvent(event string) {
	if err := h.machine.Event(context.Background(), event); err != nil {
		if _, ok := err.(fsm.NoTransitionError); ok {
			return
		}
		h.logger.Warn("переход машины состояний отклонен",
			slog.String("event", event),
			slog.String("state", h.machine.Current()),
			slog.Any("error", err))
	}
}
