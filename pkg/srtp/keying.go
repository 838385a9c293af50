package srtp

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/srtp/v3"
)

// ErrHandshakeIncomplete трансформеры недоступны до завершения handshake.
var ErrHandshakeIncomplete = errors.New("DTLS handshake не завершен")

// keyingMaterial мастер-ключи и соли обеих сторон, RFC 5764 Section 4.2:
// client_write_key | server_write_key | client_write_salt | server_write_salt
type keyingMaterial struct {
	clientKey  []byte
	serverKey  []byte
	clientSalt []byte
	serverSalt []byte
}

// splitKeyingMaterial разрезает экспортированный материал на ключи и соли.
// material должен иметь длину 2*(masterKeyLen+masterSaltLen).
func splitKeyingMaterial(material []byte) keyingMaterial {
	offset := 0
	clientKey := material[offset : offset+masterKeyLen]
	offset += masterKeyLen
	serverKey := material[offset : offset+masterKeyLen]
	offset += masterKeyLen
	clientSalt := material[offset : offset+masterSaltLen]
	offset += masterSaltLen
	serverSalt := material[offset : offset+masterSaltLen]

	return keyingMaterial{
		clientKey:  clientKey,
		serverKey:  serverKey,
		clientSalt: clientSalt,
		serverSalt: serverSalt,
	}
}

// transformerPair SRTP и SRTCP контексты одного направления
type transformerPair struct {
	rtp  *srtp.Context
	rtcp *srtp.Context
}

// buildTransformers создает контексты обоих направлений. Сервер шифрует
// своими ключами и расшифровывает клиентскими.
func buildTransformers(keys keyingMaterial) (encoder, decoder transformerPair, err error) {
	profile := srtp.ProtectionProfileAes128CmHmacSha1_80

	encoder.rtp, err = srtp.CreateContext(keys.serverKey, keys.serverSalt, profile)
	if err != nil {
		return transformerPair{}, transformerPair{}, fmt.Errorf("исходящий SRTP контекст: %w", err)
	}
	encoder.rtcp, err = srtp.CreateContext(keys.serverKey, keys.serverSalt, profile)
	if err != nil {
		return transformerPair{}, transformerPair{}, fmt.Errorf("исходящий SRTCP контекст: %w", err)
	}
	decoder.rtp, err = srtp.CreateContext(keys.clientKey, keys.clientSalt, profile)
	if err != nil {
		return transformerPair{}, transformerPair{}, fmt.Errorf("входящий SRTP контекст: %w", err)
	}
	decoder.rtcp, err = srtp.CreateContext(keys.clientKey, keys.clientSalt, profile)
	if err != nil {
		return transformerPair{}, transformerPair{}, fmt.Errorf("входящий SRTCP контекст: %w", err)
	}
	return encoder, decoder, nil
}

// certificateFingerprint возвращает SHA-256 отпечаток сертификата в формате
// SDP атрибута a=fingerprint: пары hex байтов через двоеточие, верхний регистр.
func certificateFingerprint(certificate *tls.Certificate) (string, error) {
	if len(certificate.Certificate) == 0 {
		return "", fmt.Errorf("сертификат пуст")
	}

	parsed, err := x509.ParseCertificate(certificate.Certificate[0])
	if err != nil {
		return "", fmt.Errorf("ошибка разбора сертификата: %w", err)
	}

	digest := sha256.Sum256(parsed.Raw)
	parts := make([]string, len(digest))
	for i, b := range digest {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
