// Граница DTLS-SRTP медиа сессии
//
// Пакет srtp оборачивает DTLS handshake (сервер, RFC 5764) и по его
// завершении предоставляет четыре трансформера: шифрование и расшифровка
// RTP и RTCP трафика. До завершения handshake трансформеры недоступны,
// и весь защищенный трафик должен отбрасываться вызывающим.
//
// Handshake выполняется в выделенной горутине и блокируется на I/O
// заимствованного датаграммного транспорта с MTU 1500.
package srtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v3"
)

// mtu размер фрагмента DTLS сообщений
const mtu = 1500

// Параметры профиля SRTP_AES128_CM_HMAC_SHA1_80, RFC 5764 Section 4.1.2
const (
	masterKeyLen  = 16
	masterSaltLen = 14
)

// keyingMaterialLabel метка экспорта ключевого материала, RFC 5764 Section 4.2
const keyingMaterialLabel = "EXTRACTOR-dtls_srtp"

// HandlerConfig конфигурация DTLS обработчика
type HandlerConfig struct {
	// Conn датаграммный транспорт handshake. Заимствуется: закрытие
	// выполняет владелец сессии.
	Conn net.Conn

	// Certificate локальный сертификат; nil = самоподписанный RSA-2048
	Certificate *tls.Certificate

	// HandshakeTimeout предельное время handshake; 0 = 30 секунд
	HandshakeTimeout time.Duration

	// Logger структурированный лог; nil = slog.Default()
	Logger *slog.Logger
}

// Handler обработчик DTLS-SRTP пакетов.
//
// Медиа сервер всегда выступает DTLS сервером. Трансформеры появляются
// только после успешного handshake и далее неизменны.
type Handler struct {
	mutex  sync.RWMutex
	logger *slog.Logger

	conn             net.Conn
	certificate      tls.Certificate
	handshakeTimeout time.Duration

	handshakeComplete bool
	handshaking       bool

	// Трансформеры исходящего и входящего трафика, RFC 5764 Section 4.2
	srtpEncoder  *srtp.Context
	srtpDecoder  *srtp.Context
	srtcpEncoder *srtp.Context
	srtcpDecoder *srtp.Context
}

// NewHandler создает DTLS обработчик поверх заимствованного транспорта.
func NewHandler(config HandlerConfig) (*Handler, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	certificate := config.Certificate
	if certificate == nil {
		generated, err := generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("ошибка генерации сертификата: %w", err)
		}
		certificate = &generated
	}

	timeout := config.HandshakeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Handler{
		logger:           logger.With(slog.String("component", "dtls")),
		conn:             config.Conn,
		certificate:      *certificate,
		handshakeTimeout: timeout,
	}, nil
}

// SetConn привязывает датаграммный транспорт handshake.
func (h *Handler) SetConn(conn net.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.conn = conn
}

// IsHandshakeComplete проверяет, завершен ли DTLS handshake.
func (h *Handler) IsHandshakeComplete() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.handshakeComplete
}

// IsHandshaking проверяет, выполняется ли handshake в данный момент.
func (h *Handler) IsHandshaking() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.handshaking
}

// LocalFingerprint возвращает SHA-256 отпечаток локального сертификата
// для SDP атрибута a=fingerprint.
func (h *Handler) LocalFingerprint() (string, error) {
	return certificateFingerprint(&h.certificate)
}

// Handshake запускает DTLS handshake в выделенной горутине.
// Повторный вызов во время handshake или после его завершения игнорируется.
func (h *Handler) Handshake() {
	h.mutex.Lock()
	if h.handshaking || h.handshakeComplete {
		h.mutex.Unlock()
		return
	}
	h.handshaking = true
	conn := h.conn
	h.mutex.Unlock()

	go h.runHandshake(conn)
}

func (h *Handler) runHandshake(conn net.Conn) {
	defer func() {
		h.mutex.Lock()
		h.handshaking = false
		h.mutex.Unlock()
	}()

	if conn == nil {
		h.logger.Error("DTLS handshake без транспорта")
		return
	}

	config := &dtls.Config{
		Certificates: []tls.Certificate{h.certificate},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		MTU:                  mtu,
		ConnectContextMaker:  h.handshakeContext,
	}

	h.logger.Info("DTLS handshake начат")

	dtlsConn, err := dtls.Server(conn, config)
	if err != nil {
		h.logger.Error("ошибка DTLS handshake", slog.Any("error", err))
		return
	}

	// Ключевой материал RFC 5764: по паре ключ+соль на каждую сторону
	state := dtlsConn.ConnectionState()
	material, err := state.ExportKeyingMaterial(keyingMaterialLabel, nil, 2*(masterKeyLen+masterSaltLen))
	if err != nil {
		h.logger.Error("ошибка экспорта ключевого материала", slog.Any("error", err))
		return
	}

	keys := splitKeyingMaterial(material)

	encoder, decoder, err := buildTransformers(keys)
	if err != nil {
		h.logger.Error("ошибка создания SRTP трансформеров", slog.Any("error", err))
		return
	}

	h.mutex.Lock()
	h.srtpEncoder = encoder.rtp
	h.srtcpEncoder = encoder.rtcp
	h.srtpDecoder = decoder.rtp
	h.srtcpDecoder = decoder.rtcp
	h.handshakeComplete = true
	h.mutex.Unlock()

	h.logger.Info("DTLS handshake завершен")
}

// handshakeContext ограничивает время handshake.
func (h *Handler) handshakeContext() (context.Context, func()) {
	return context.WithTimeout(context.Background(), h.handshakeTimeout)
}

// EncodeRTCP шифрует составной RTCP пакет в SRTCP.
func (h *Handler) EncodeRTCP(data []byte) ([]byte, error) {
	h.mutex.RLock()
	encoder := h.srtcpEncoder
	h.mutex.RUnlock()

	if encoder == nil {
		return nil, ErrHandshakeIncomplete
	}
	return encoder.EncryptRTCP(nil, data, nil)
}

// DecodeRTCP расшифровывает SRTCP датаграмму. Ошибка означает, что пакет
// не прошел аутентификацию и должен быть отброшен.
func (h *Handler) DecodeRTCP(data []byte) ([]byte, error) {
	h.mutex.RLock()
	decoder := h.srtcpDecoder
	h.mutex.RUnlock()

	if decoder == nil {
		return nil, ErrHandshakeIncomplete
	}
	return decoder.DecryptRTCP(nil, data, nil)
}

// EncodeRTP шифрует RTP пакет в SRTP.
func (h *Handler) EncodeRTP(data []byte) ([]byte, error) {
	h.mutex.RLock()
	encoder := h.srtpEncoder
	h.mutex.RUnlock()

	if encoder == nil {
		return nil, ErrHandshakeIncomplete
	}
	return encoder.EncryptRTP(nil, data, nil)
}

// DecodeRTP расшифровывает SRTP пакет.
func (h *Handler) DecodeRTP(data []byte) ([]byte, error) {
	h.mutex.RLock()
	decoder := h.srtpDecoder
	h.mutex.RUnlock()

	if decoder == nil {
		return nil, ErrHandshakeIncomplete
	}
	return decoder.DecryptRTP(nil, data, nil)
}
