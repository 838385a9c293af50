package rtcp_test

import (
	"net"
	"sync"
	"testing"
	"time"

	pionrtcp "github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumaraish/media-core/pkg/rtcp"
	"github.com/kumaraish/media-core/pkg/rtp"
	"github.com/kumaraish/media-core/pkg/transport"
)

// === МОКИ КОЛЛАБОРАТОРОВ ===

// mockClock детерминированные часы, управляемые тестом
type mockClock struct {
	mutex sync.Mutex
	now   int64
}

func (c *mockClock) CurrentTime() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *mockClock) Advance(ms int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now += ms
}

// mockChannel имитирует датаграммный канал, накапливая отправленное
type mockChannel struct {
	mutex        sync.Mutex
	sent         [][]byte
	open         bool
	connected    bool
	disconnected bool
	closed       bool
}

func newMockChannel() *mockChannel {
	return &mockChannel{open: true, connected: true}
}

func (c *mockChannel) IsOpen() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.open
}

func (c *mockChannel) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connected
}

func (c *mockChannel) Send(data []byte, addr net.Addr) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	return len(data), nil
}

func (c *mockChannel) Disconnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.connected = false
	c.disconnected = true
	return nil
}

func (c *mockChannel) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.open = false
	c.closed = true
	return nil
}

func (c *mockChannel) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}
}

func (c *mockChannel) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5006}
}

func (c *mockChannel) sentPackets() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	result := make([][]byte, len(c.sent))
	copy(result, c.sent)
	return result
}

// mockDtls имитирует границу DTLS-SRTP: переворачивает байты и добавляет
// хвост аутентификации, чтобы трафик на проводе отличался от открытого
type mockDtls struct {
	mutex     sync.Mutex
	complete  bool
	encoded   [][]byte
	plaintext [][]byte
}

func (d *mockDtls) setComplete(v bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.complete = v
}

func (d *mockDtls) IsHandshakeComplete() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.complete
}

func (d *mockDtls) EncodeRTCP(data []byte) ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	plain := make([]byte, len(data))
	copy(plain, data)
	d.plaintext = append(d.plaintext, plain)

	out := make([]byte, len(data)+10)
	for i, b := range data {
		out[i] = b ^ 0x5A
	}
	d.encoded = append(d.encoded, out)
	return out, nil
}

func (d *mockDtls) DecodeRTCP(data []byte) ([]byte, error) {
	if len(data) < 10 {
		return nil, nil
	}
	out := make([]byte, len(data)-10)
	for i := range out {
		out[i] = data[i] ^ 0x5A
	}
	return out, nil
}

// === ХЕЛПЕРЫ ===

type testSession struct {
	clock   *mockClock
	stats   *rtp.Statistics
	channel *mockChannel
	handler *rtcp.Handler
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()

	clock := &mockClock{}
	stats := rtp.NewStatistics(rtp.StatisticsConfig{
		Clock: clock,
		Ssrc:  0xAABBCCDD,
		Cname: "local@media-core",
		// Детерминированный розыгрыш: фактор ровно 1.0
		Random: func() float64 { return 0.5 },
	})
	channel := newMockChannel()

	handler, err := rtcp.NewHandler(rtcp.HandlerConfig{
		Statistics: stats,
		Channel:    channel,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		handler.LeaveRtpSession()
		handler.Reset()
	})

	return &testSession{clock: clock, stats: stats, channel: channel, handler: handler}
}

// testRtpPacket RTP пакет локального отправителя
func testRtpPacket(ssrc uint32, seq uint16, ts uint32) *pionrtp.Packet {
	return &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			SSRC:           ssrc,
			SequenceNumber: seq,
			Timestamp:      ts,
		},
		Payload: make([]byte, 160),
	}
}

// encodeCompound кодирует составной пакет в датаграмму
func encodeCompound(t *testing.T, packet *rtcp.CompoundPacket) []byte {
	t.Helper()
	buf := make([]byte, 1500)
	size, err := packet.Encode(buf, 0)
	require.NoError(t, err)
	return buf[:size]
}

// remoteReport составной RR + SDES от удаленного участника
func remoteReport(t *testing.T, ssrc uint32) []byte {
	t.Helper()
	return encodeCompound(t, &rtcp.CompoundPacket{
		ReceiverReport:    &pionrtcp.ReceiverReport{SSRC: ssrc},
		SourceDescription: remoteSdes(ssrc),
	})
}

// remoteBye составной RR + SDES + BYE, удаляющий перечисленные SSRC
func remoteBye(t *testing.T, from uint32, leaving []uint32) []byte {
	t.Helper()
	return encodeCompound(t, &rtcp.CompoundPacket{
		ReceiverReport:    &pionrtcp.ReceiverReport{SSRC: from},
		SourceDescription: remoteSdes(from),
		Bye:               &pionrtcp.Goodbye{Sources: leaving},
	})
}

func remoteSdes(ssrc uint32) *pionrtcp.SourceDescription {
	return &pionrtcp.SourceDescription{
		Chunks: []pionrtcp.SourceDescriptionChunk{{
			Source: ssrc,
			Items: []pionrtcp.SourceDescriptionItem{{
				Type: pionrtcp.SDESCNAME,
				Text: "remote@media-core",
			}},
		}},
	}
}

func waitSent(t *testing.T, channel *mockChannel, count int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(channel.sentPackets()) >= count
	}, 3*time.Second, 10*time.Millisecond, "ожидалось %d отправленных пакетов", count)
	return channel.sentPackets()
}

func decodeSent(t *testing.T, data []byte) *rtcp.CompoundPacket {
	t.Helper()
	packet := &rtcp.CompoundPacket{}
	require.NoError(t, packet.Decode(data, 0))
	return packet
}

// === ТЕСТЫ ===

func TestColdJoinFirstReport(t *testing.T) {
	s := newTestSession(t)

	s.handler.JoinRtpSession()
	require.True(t, s.handler.IsJoined())
	require.True(t, s.handler.IsInitial())
	assert.Equal(t, "report_scheduled", s.handler.SchedulerState())

	// Начальный Tmin = 500мс, рандомизация с фактором 1.0 и компенсацией
	delay := s.handler.NextScheduledReport()
	require.Greater(t, delay, int64(0))
	require.LessOrEqual(t, delay, int64(616))

	// К срабатыванию таймера запланированный момент уже прошел
	s.clock.Advance(5000)

	sent := waitSent(t, s.channel, 1)
	packet := decodeSent(t, sent[0])

	// Первый отчет RR + SDES: локальный участник RTP не отправлял
	assert.False(t, packet.IsSender())
	require.NotNil(t, packet.ReceiverReport)
	require.NotNil(t, packet.SourceDescription)
	assert.Equal(t, "local@media-core", packet.Cname())
	assert.False(t, packet.HasBye())

	// initial гаснет после первой успешной отправки
	assert.False(t, s.handler.IsInitial())

	// Следующий отчет уже со steady-state Tmin = 2500мс
	next := s.handler.NextScheduledReport()
	require.Greater(t, next, int64(616))
	require.LessOrEqual(t, next, int64(3078))
}

func TestSenderReportWhenWeSent(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	// Локальная отправка RTP переводит отчет в SR
	s.stats.OnRtpSent(testRtpPacket(0xAABBCCDD, 100, 160))

	s.clock.Advance(5000)
	sent := waitSent(t, s.channel, 1)
	packet := decodeSent(t, sent[0])

	require.True(t, packet.IsSender())
	assert.Equal(t, uint32(1), packet.SenderReport.PacketCount)
}

func TestLeaveSendsSingleBye(t *testing.T) {
	s := newTestSession(t)

	s.handler.JoinRtpSession()
	s.clock.Advance(5000)
	waitSent(t, s.channel, 1)

	s.handler.LeaveRtpSession()
	require.False(t, s.handler.IsJoined())
	assert.Equal(t, "bye_scheduled", s.handler.SchedulerState())

	// Повторный выход игнорируется
	s.handler.LeaveRtpSession()

	s.clock.Advance(5000)
	sent := waitSent(t, s.channel, 2)
	bye := decodeSent(t, sent[len(sent)-1])

	require.True(t, bye.HasBye())
	require.NotNil(t, bye.ReceiverReport)
	require.NotNil(t, bye.SourceDescription)

	// Канал отключен и закрыт, планировщик сброшен
	require.Eventually(t, func() bool {
		return s.handler.SchedulerState() == "idle"
	}, time.Second, 10*time.Millisecond)

	s.channel.mutex.Lock()
	disconnected, closed := s.channel.disconnected, s.channel.closed
	s.channel.mutex.Unlock()
	assert.True(t, disconnected)
	assert.True(t, closed)

	// BYE отправлен ровно один раз
	time.Sleep(600 * time.Millisecond)
	byeCount := 0
	for _, data := range s.channel.sentPackets() {
		if decodeSent(t, data).HasBye() {
			byeCount++
		}
	}
	assert.Equal(t, 1, byeCount)
}

func TestByeDelayedNeverDropped(t *testing.T) {
	s := newTestSession(t)

	s.handler.JoinRtpSession()
	s.handler.LeaveRtpSession()

	// Часы стоят: к срабатыванию tn > tc, BYE откладывается
	time.Sleep(600 * time.Millisecond)
	assert.Empty(t, s.channel.sentPackets())
	assert.Equal(t, "bye_scheduled", s.handler.SchedulerState())

	// После продвижения часов отложенный BYE уходит
	s.clock.Advance(10000)
	sent := waitSent(t, s.channel, 1)
	assert.True(t, decodeSent(t, sent[0]).HasBye())
}

func TestReverseReconsideration(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	// Девять удаленных участников плюс локальный: members = 10
	for ssrc := uint32(1); ssrc <= 9; ssrc++ {
		payload := remoteReport(t, ssrc)
		_, err := s.handler.Handle(payload, len(payload), 0, nil, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 10, s.stats.Members())
	s.stats.ConfirmMembers()
	require.Equal(t, 10, s.stats.Pmembers())

	before := s.handler.NextScheduledReport()
	require.Greater(t, before, int64(0))

	// BYE уводит шесть участников: members 10 -> 4, ratio = 0.4
	bye := remoteBye(t, 1, []uint32{1, 2, 3, 4, 5, 6})
	_, err := s.handler.Handle(bye, len(bye), 0, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 4, s.stats.Members())
	// pmembers зафиксирован после reverse reconsideration
	assert.Equal(t, 4, s.stats.Pmembers())

	after := s.handler.NextScheduledReport()
	require.Greater(t, after, int64(0))
	assert.Less(t, after, before)
	// tn сжат пропорционально members/pmembers
	assert.InDelta(t, float64(before)*0.4, float64(after), 25)
}

func TestHandleNonZeroOffset(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	// Датаграмма с ненулевым offset внутри большего буфера
	payload := remoteReport(t, 42)
	buf := append(make([]byte, 8), payload...)

	_, err := s.handler.Handle(buf, len(payload), 8, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.stats.Members())
}

func TestSecureGate(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	dtls := &mockDtls{}
	s.handler.EnableSRTCP(dtls)

	// Входящий пакет до завершения handshake отбрасывается без мутаций
	payload := remoteReport(t, 42)
	reply, err := s.handler.Handle(payload, len(payload), 0, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, 1, s.stats.Members())

	// Срабатывание таймера не кладет ничего на провод
	s.clock.Advance(5000)
	time.Sleep(600 * time.Millisecond)
	assert.Empty(t, s.channel.sentPackets())
	assert.True(t, s.handler.IsInitial())
}

func TestSecureOutboundEncrypted(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	dtls := &mockDtls{}
	dtls.setComplete(true)
	s.handler.EnableSRTCP(dtls)

	s.clock.Advance(5000)
	sent := waitSent(t, s.channel, 1)

	// Байты на проводе не совпадают с открытым составным пакетом
	dtls.mutex.Lock()
	require.NotEmpty(t, dtls.plaintext)
	plain := dtls.plaintext[0]
	dtls.mutex.Unlock()

	assert.NotEqual(t, plain, sent[0])
	assert.Equal(t, len(plain)+10, len(sent[0]))
	assert.False(t, s.handler.IsInitial())
}

func TestSecureInboundDecodeFailureDropped(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	dtls := &mockDtls{}
	dtls.setComplete(true)
	s.handler.EnableSRTCP(dtls)

	// Классификатор проходит, но расшифровка возвращает пустой результат:
	// пакет отбрасывается молча, таблица участников не меняется
	wire := []byte{0x80, 0xC9, 0x00, 0x01, 0x00, 0x00, 0x00, 0x2A}
	reply, err := s.handler.Handle(wire, len(wire), 0, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, 1, s.stats.Members())
}

func TestHandleBeforeJoin(t *testing.T) {
	s := newTestSession(t)

	payload := remoteReport(t, 42)
	_, err := s.handler.Handle(payload, len(payload), 0, nil, nil)
	require.ErrorIs(t, err, rtcp.ErrInvalidState)
}

func TestClassifier(t *testing.T) {
	s := newTestSession(t)

	// RTP пакет: версия 2, PT = 0
	rtpPacket := []byte{0x80, 0x00, 0x00, 0x01}
	assert.False(t, s.handler.CanHandle(rtpPacket, len(rtpPacket), 0))

	// RTCP RR: версия 2, PT = 201
	rr := []byte{0x80, 0xC9, 0x00, 0x01}
	assert.True(t, s.handler.CanHandle(rr, len(rr), 0))

	// RTCP SR: версия 2, PT = 200
	sr := []byte{0x80, 0xC8, 0x00, 0x06}
	assert.True(t, s.handler.CanHandle(sr, len(sr), 0))

	// Бит padding на первом под-пакете недопустим
	padded := []byte{0xA0, 0xC9, 0x00, 0x01}
	assert.False(t, s.handler.CanHandle(padded, len(padded), 0))

	// Версия 1
	old := []byte{0x40, 0xC9, 0x00, 0x01}
	assert.False(t, s.handler.CanHandle(old, len(old), 0))

	// SDES первым под-пакетом не открывает составной пакет
	sdes := []byte{0x80, 0xCA, 0x00, 0x01}
	assert.False(t, s.handler.CanHandle(sdes, len(sdes), 0))

	// Усеченная датаграмма
	assert.False(t, s.handler.CanHandle([]byte{0x80}, 1, 0))
}

func TestUnsupportedPacketSurfaced(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	rtpPacket := []byte{0x80, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02}
	_, err := s.handler.Handle(rtpPacket, len(rtpPacket), 0, nil, nil)
	require.ErrorIs(t, err, transport.ErrUnsupportedPacket)
}

func TestMalformedLengthDropped(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	// Валидный для классификатора заголовок RR, но поле длины указывает
	// за пределы датаграммы
	data := []byte{0x80, 0xC9, 0x00, 0x10, 0x00, 0x00, 0x00, 0x2A}

	reply, err := s.handler.Handle(data, len(data), 0, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, reply)

	// Таблица участников не изменилась
	assert.Equal(t, 1, s.stats.Members())
}

func TestResetWhileJoined(t *testing.T) {
	s := newTestSession(t)
	s.handler.JoinRtpSession()

	require.ErrorIs(t, s.handler.Reset(), rtcp.ErrInvalidState)

	s.handler.LeaveRtpSession()
	require.NoError(t, s.handler.Reset())
	assert.Equal(t, "idle", s.handler.SchedulerState())
	assert.Equal(t, int64(-1), s.handler.NextScheduledReport())
}

func TestJoinIdempotent(t *testing.T) {
	s := newTestSession(t)

	s.handler.JoinRtpSession()
	first := s.handler.NextScheduledReport()
	s.handler.JoinRtpSession()
	second := s.handler.NextScheduledReport()

	assert.Equal(t, first, second)
}
