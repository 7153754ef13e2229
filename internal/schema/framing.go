package schema

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"
)

// Framing: способ встраивания отпечатка схемы в сообщение.
type Framing string

const (
	// Confluent: 0x00 + 4 байта id схемы в registry (big endian).
	Confluent Framing = "confluent"
	// SingleObject: 0xC3 0x01 + 8 байт CRC-64-AVRO (little endian).
	SingleObject Framing = "single-object"
)

// ParseFraming разбирает значение флага --framing.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case Confluent, "":
		return Confluent, nil
	case SingleObject, "single_object", "singleobject":
		return SingleObject, nil
	default:
		return "", fmt.Errorf("schema: unknown framing %q", s)
	}
}

// FingerprintLen: длина отпечатка в кадре.
func (f Framing) FingerprintLen() int {
	if f == SingleObject {
		return 8
	}
	return 4
}

// fingerprint вычисляет отпечаток схемы для данного режима.
func (f Framing) fingerprint(id int, s avro.Schema) ([]byte, error) {
	switch f {
	case SingleObject:
		fp, err := s.FingerprintUsing(avro.CRC64Avro)
		if err != nil {
			return nil, err
		}
		// hamba отдаёт CRC в big endian, single-object требует little endian.
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, binary.BigEndian.Uint64(fp))
		return out, nil
	default:
		if id < 0 || int64(id) > int64(^uint32(0)) {
			return nil, fmt.Errorf("schema: id %d out of range", id)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(id))
		return out, nil
	}
}

// IDFromFingerprint восстанавливает id схемы из confluent-отпечатка.
func IDFromFingerprint(fp []byte) (int, bool) {
	if len(fp) != 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(fp)), true
}
