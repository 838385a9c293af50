package rtp

import (
	"sync"
	"testing"

	pionrtcp "github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumaraish/media-core/pkg/rtcp"
)

// testClock детерминированные часы для тестов
type testClock struct {
	mutex sync.Mutex
	now   int64
}

func (c *testClock) CurrentTime() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(ms int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now += ms
}

func newTestStatistics(random func() float64) (*Statistics, *testClock) {
	clock := &testClock{}
	s := NewStatistics(StatisticsConfig{
		Clock:  clock,
		Ssrc:   0xAABBCCDD,
		Cname:  "local@media-core",
		Random: random,
	})
	return s, clock
}

func rtpPacket(ssrc uint32, seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           ssrc,
			SequenceNumber: seq,
			Timestamp:      ts,
		},
		Payload: make([]byte, 160),
	}
}

func remoteCompound(ssrc uint32) *rtcp.CompoundPacket {
	return &rtcp.CompoundPacket{
		ReceiverReport: &pionrtcp.ReceiverReport{SSRC: ssrc},
		SourceDescription: &pionrtcp.SourceDescription{
			Chunks: []pionrtcp.SourceDescriptionChunk{{
				Source: ssrc,
				Items: []pionrtcp.SourceDescriptionItem{{
					Type: pionrtcp.SDESCNAME,
					Text: "remote@media-core",
				}},
			}},
		},
	}
}

func TestIntervalBoundsInitial(t *testing.T) {
	// Нижняя граница розыгрыша: U = 0.5
	s, _ := newTestStatistics(func() float64 { return 0.0 })
	low := s.RtcpInterval(true)
	assert.InDelta(t, 500.0*0.5/1.21828, float64(low), 2)

	// Верхняя граница: U -> 1.5
	s, _ = newTestStatistics(func() float64 { return 0.999999 })
	high := s.RtcpInterval(true)
	assert.InDelta(t, 500.0*1.5/1.21828, float64(high), 2)
}

func TestIntervalBoundsSteady(t *testing.T) {
	s, _ := newTestStatistics(func() float64 { return 0.5 })

	// members=1, avg=200, bw=3200: детерминированный T упирается в Tmin
	interval := s.RtcpInterval(false)
	assert.InDelta(t, 2500.0/1.21828, float64(interval), 2)
}

func TestIntervalSenderBias(t *testing.T) {
	s, _ := newTestStatistics(func() float64 { return 0.5 })

	// Девять удаленных участников, один из них отправитель
	for ssrc := uint32(1); ssrc <= 9; ssrc++ {
		s.OnRtcpReceive(remoteCompound(ssrc))
	}
	s.OnRtpReceive(rtpPacket(1, 10, 160))

	require.Equal(t, 10, s.Members())
	require.Equal(t, 1, s.Senders())
	require.False(t, s.WeSent())

	// Принятые пакеты сдвинули avg_rtcp_size; фиксируем его для расчета
	s.SetRtcpAvgSize(200)

	// senders < members/4 и we_sent=false: n = members-senders,
	// полоса RTCP умножается на 0.75
	// T = 9 * 200 * 8 / (3200*0.75) * 1000 = 6000мс
	interval := s.RtcpInterval(false)
	assert.InDelta(t, 6000.0/1.21828, float64(interval), 5)
}

func TestAvgSizeConvergence(t *testing.T) {
	s, _ := newTestStatistics(nil)

	packet := remoteCompound(42)
	size := float64(packet.Size())

	prev := s.AvgRtcpSize()
	for i := 0; i < 100; i++ {
		s.OnRtcpReceive(packet)
		avg := s.AvgRtcpSize()
		// Расстояние до S сжимается в 15/16 на каждом шаге
		assert.InDelta(t, (prev-size)*15/16, avg-size, 0.001)
		prev = avg
	}
	assert.InDelta(t, size, prev, 2)
}

func TestMembersInvariants(t *testing.T) {
	s, _ := newTestStatistics(nil)

	// Локальный участник всегда в таблице
	require.Equal(t, 1, s.Members())

	for ssrc := uint32(1); ssrc <= 5; ssrc++ {
		s.OnRtcpReceive(remoteCompound(ssrc))
	}
	require.Equal(t, 6, s.Members())
	require.LessOrEqual(t, s.Senders(), s.Members())

	// Повторный пакет того же участника не добавляет запись
	s.OnRtcpReceive(remoteCompound(3))
	require.Equal(t, 6, s.Members())

	// BYE удаляет участников
	s.OnRtcpReceive(&rtcp.CompoundPacket{
		ReceiverReport: &pionrtcp.ReceiverReport{SSRC: 1},
		Bye:            &pionrtcp.Goodbye{Sources: []uint32{1, 2}},
	})
	require.Equal(t, 4, s.Members())

	// BYE о локальном SSRC игнорируется
	s.OnRtcpReceive(&rtcp.CompoundPacket{
		ReceiverReport: &pionrtcp.ReceiverReport{SSRC: 3},
		Bye:            &pionrtcp.Goodbye{Sources: []uint32{0xAABBCCDD}},
	})
	require.Equal(t, 4, s.Members())

	s.ConfirmMembers()
	assert.Equal(t, 4, s.Pmembers())

	s.ResetMembers()
	assert.Equal(t, 1, s.Members())
	assert.Equal(t, 1, s.Pmembers())
}

func TestWeSentLifecycle(t *testing.T) {
	s, _ := newTestStatistics(nil)

	require.False(t, s.WeSent())

	s.OnRtpSent(rtpPacket(0xAABBCCDD, 1, 160))
	require.True(t, s.WeSent())
	require.Equal(t, 1, s.Senders())

	// Отправка отчета сбрасывает we_sent до следующего RTP пакета
	s.OnRtcpSent(remoteCompound(0xAABBCCDD))
	require.False(t, s.WeSent())

	s.ClearSenders()
	assert.Equal(t, 0, s.Senders())
}

func TestSenderTimeout(t *testing.T) {
	s, clock := newTestStatistics(func() float64 { return 0.5 })

	// Фиксируем детерминированный интервал (Tmin = 2500)
	s.RtcpInterval(false)

	s.OnRtpReceive(rtpPacket(7, 1, 160))
	require.Equal(t, 2, s.Members())
	require.Equal(t, 1, s.Senders())

	// Два интервала молчания: признак отправителя снимается
	clock.Advance(2*2500 + 1)
	require.True(t, s.IsSenderTimeout())
	assert.Equal(t, 0, s.Senders())
	assert.Equal(t, 2, s.Members())

	// Пять интервалов отсутствия: участник удаляется
	clock.Advance(3*2500 + 1)
	s.IsSenderTimeout()
	assert.Equal(t, 1, s.Members())
}

func TestLocalSenderTimeoutClearsWeSent(t *testing.T) {
	s, clock := newTestStatistics(func() float64 { return 0.5 })
	s.RtcpInterval(false)

	s.OnRtpSent(rtpPacket(0xAABBCCDD, 1, 160))
	require.True(t, s.WeSent())

	clock.Advance(2*2500 + 1)
	require.True(t, s.IsSenderTimeout())
	assert.False(t, s.WeSent())
	// Локальный участник не удаляется никогда
	assert.Equal(t, 1, s.Members())
}

func TestReportBlocksLossAccounting(t *testing.T) {
	s, _ := newTestStatistics(nil)

	// Пакеты 100,101,103,105: из шести ожидаемых получены четыре
	for _, seq := range []uint16{100, 101, 103, 105} {
		s.OnRtpReceive(rtpPacket(7, seq, uint32(seq)*160))
	}

	blocks := s.ReportBlocks()
	require.Len(t, blocks, 1)

	block := blocks[0]
	assert.Equal(t, uint32(7), block.SSRC)
	assert.Equal(t, uint32(2), block.TotalLost)
	assert.Equal(t, uint32(105), block.LastSequenceNumber)
	// fraction = (2 << 8) / 6
	assert.Equal(t, uint8(85), block.FractionLost)
}

func TestReportBlocksLastSr(t *testing.T) {
	s, clock := newTestStatistics(nil)

	s.OnRtpReceive(rtpPacket(7, 1, 160))

	ntp := uint64(0x0123456789ABCDEF)
	s.OnRtcpReceive(&rtcp.CompoundPacket{
		SenderReport: &pionrtcp.SenderReport{
			SSRC:    7,
			NTPTime: ntp,
		},
	})

	clock.Advance(1000)
	blocks := s.ReportBlocks()
	require.Len(t, blocks, 1)

	assert.Equal(t, rtcp.MiddleNTP(ntp), blocks[0].LastSenderReport)
	// Секунда в единицах 1/65536 с
	assert.Equal(t, uint32(65536), blocks[0].Delay)
}

func TestSetRtcpAvgSize(t *testing.T) {
	s, _ := newTestStatistics(nil)

	s.SetRtcpAvgSize(132)
	assert.Equal(t, 132.0, s.AvgRtcpSize())
}

func TestScheduledPacketType(t *testing.T) {
	s, _ := newTestStatistics(nil)

	s.SetRtcpPacketType(rtcp.KindBye)
	assert.Equal(t, rtcp.KindBye, s.ScheduledPacketType())
}

func TestSequenceWraparound(t *testing.T) {
	s, _ := newTestStatistics(nil)

	s.OnRtpReceive(rtpPacket(7, 65534, 160))
	s.OnRtpReceive(rtpPacket(7, 65535, 320))
	s.OnRtpReceive(rtpPacket(7, 0, 480))
	s.OnRtpReceive(rtpPacket(7, 1, 640))

	blocks := s.ReportBlocks()
	require.Len(t, blocks, 1)
	// Расширенный sequence number учитывает цикл
	assert.Equal(t, uint32(1<<16|1), blocks[0].LastSequenceNumber)
	assert.Equal(t, uint32(0), blocks[0].TotalLost)
}
