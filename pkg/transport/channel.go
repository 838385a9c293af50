// UDP датаграммный канал для RTP/RTCP трафика
//
// Реализует узкий интерфейс DatagramChannel, которым пользуются протокольные
// обработчики. Канал владеет UDP сокетом, настроенным для голосового трафика
// (увеличенные буферы, переиспользование порта на Linux), и отслеживает
// состояние подключения к удаленному пиру.
package transport

import (
	"fmt"
	"net"
	"sync"
)

// Размеры буферов сокета для голосового трафика.
// 64KB вмещает ~6 секунд G.711 при 20мс пакетизации (около 200 байт
// на датаграмму с заголовками RTP/UDP/IP).
const (
	recvBufferSize = 65535
	sendBufferSize = 65535
)

// DatagramChannel узкий интерфейс датаграммного канала, потребляемый
// протокольными обработчиками. Канал заимствуется, а не принадлежит им;
// закрытие выполняет владелец сессии.
type DatagramChannel interface {
	IsOpen() bool
	IsConnected() bool
	Send(data []byte, addr net.Addr) (int, error)
	Disconnect() error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// UDPChannel реализация DatagramChannel поверх net.UDPConn.
type UDPChannel struct {
	mutex      sync.RWMutex
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	open       bool
}

var _ DatagramChannel = (*UDPChannel)(nil)

// NewUDPChannel открывает UDP сокет на локальном адресе вида "host:port".
func NewUDPChannel(localAddr string) (*UDPChannel, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета: %w", err)
	}

	if err := tuneSocket(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	// Буферы настраиваем через стандартный API, платформенные опции отдельно
	conn.SetReadBuffer(recvBufferSize)
	conn.SetWriteBuffer(sendBufferSize)

	return &UDPChannel{
		conn: conn,
		open: true,
	}, nil
}

// Connect фиксирует удаленный адрес канала. Датаграммы с других адресов
// по-прежнему принимаются сокетом; подключение влияет только на Send без
// явного адреса и на IsConnected.
func (c *UDPChannel) Connect(remoteAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.open {
		return ErrChannelClosed
	}
	c.remoteAddr = addr
	return nil
}

// IsOpen проверяет открыт ли сокет.
func (c *UDPChannel) IsOpen() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.open
}

// IsConnected проверяет зафиксирован ли удаленный адрес.
func (c *UDPChannel) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.open && c.remoteAddr != nil
}

// Send отправляет датаграмму на addr. Если addr == nil, используется
// адрес, зафиксированный Connect.
func (c *UDPChannel) Send(data []byte, addr net.Addr) (int, error) {
	c.mutex.RLock()
	conn := c.conn
	open := c.open
	remote := c.remoteAddr
	c.mutex.RUnlock()

	if !open {
		return 0, ErrChannelClosed
	}

	target := addr
	if target == nil {
		if remote == nil {
			return 0, ErrNotConnected
		}
		target = remote
	}

	n, err := conn.WriteTo(data, target)
	if err != nil {
		return n, fmt.Errorf("ошибка отправки датаграммы: %w", err)
	}
	return n, nil
}

// Receive читает очередную датаграмму в buf.
func (c *UDPChannel) Receive(buf []byte) (int, net.Addr, error) {
	c.mutex.RLock()
	conn := c.conn
	open := c.open
	c.mutex.RUnlock()

	if !open {
		return 0, nil, ErrChannelClosed
	}
	return conn.ReadFrom(buf)
}

// Disconnect сбрасывает удаленный адрес, оставляя сокет открытым.
func (c *UDPChannel) Disconnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.open {
		return ErrChannelClosed
	}
	c.remoteAddr = nil
	return nil
}

// Close закрывает сокет. Повторный вызов безопасен.
func (c *UDPChannel) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.open {
		return nil
	}
	c.open = false
	c.remoteAddr = nil
	return c.conn.Close()
}

// LocalAddr возвращает локальный адрес сокета.
func (c *UDPChannel) LocalAddr() net.Addr {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// RemoteAddr возвращает удаленный адрес или nil если канал не подключен.
func (c *UDPChannel) RemoteAddr() net.Addr {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.remoteAddr == nil {
		return nil
	}
	return c.remoteAddr
}
