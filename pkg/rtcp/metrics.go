// Метрики RTCP слоя для production monitoring
//
// Экспортирует счетчики трафика и показатели сессии в Prometheus.
// Сборщик опционален: nil *Metrics безопасен и отключает сбор.
package rtcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Причины отбрасывания входящих пакетов
const (
	dropMalformed    = "malformed"
	dropCryptoDecode = "crypto_decode"
	dropTransport    = "transport"
)

// Metrics сборщик Prometheus метрик RTCP обработчика
type Metrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	dropped         *prometheus.CounterVec
	members         prometheus.Gauge
	senders         prometheus.Gauge
	avgRtcpSize     prometheus.Gauge
}

// NewMetrics регистрирует метрики RTCP в реестре registerer.
// nil registerer использует реестр по умолчанию.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media", Subsystem: "rtcp",
			Name: "packets_sent_total",
			Help: "Отправлено составных RTCP пакетов",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media", Subsystem: "rtcp",
			Name: "packets_received_total",
			Help: "Принято составных RTCP пакетов",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media", Subsystem: "rtcp",
			Name: "bytes_sent_total",
			Help: "Отправлено байт RTCP",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media", Subsystem: "rtcp",
			Name: "bytes_received_total",
			Help: "Принято байт RTCP",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media", Subsystem: "rtcp",
			Name: "packets_dropped_total",
			Help: "Отброшено пакетов по причинам",
		}, []string{"reason"}),
		members: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "media", Subsystem: "rtcp",
			Name: "session_members",
			Help: "Число участников сессии",
		}),
		senders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "media", Subsystem: "rtcp",
			Name: "session_senders",
			Help: "Число активных отправителей",
		}),
		avgRtcpSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "media", Subsystem: "rtcp",
			Name: "avg_compound_size_bytes",
			Help: "Сглаженный средний размер составного пакета",
		}),
	}
}

// ObserveSent учитывает отправленный составной пакет.
func (m *Metrics) ObserveSent(sizeBytes int) {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(sizeBytes))
}

// ObserveReceived учитывает принятый составной пакет.
func (m *Metrics) ObserveReceived(sizeBytes int) {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(sizeBytes))
}

// IncDropped учитывает отброшенный пакет с причиной reason.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// SetSessionGauges обновляет показатели членства и среднего размера.
func (m *Metrics) SetSessionGauges(members, senders int, avgSize float64) {
	if m == nil {
		return
	}
	m.members.Set(float64(members))
	m.senders.Set(float64(senders))
	m.avgRtcpSize.Set(avgSize)
}
