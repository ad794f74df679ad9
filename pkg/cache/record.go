package cache

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"

	"github.com/golang/snappy"
)

// Record layout, base64 encoded before it is handed to a Backend:
//
//	magic(1) version(1) flags(1) storedAt(8, unix nano) ttl(8, ns)
//	nsLen(4) keyLen(4) ns key payload
const (
	recordMagic     = 'q'
	recordVersion   = 1
	recordHeaderLen = 3 + 8 + 8 + 4 + 4

	flagSnappy = 1 << 0
)

func encodeRecord(e *Entry, compress bool) string {
	payload := e.Value
	var flags byte
	if compress {
		payload = snappy.Encode(nil, e.Value)
		flags |= flagSnappy
	}

	b := make([]byte, recordHeaderLen+len(e.Namespace)+len(e.Key)+len(payload))
	b[0] = recordMagic
	b[1] = recordVersion
	b[2] = flags
	binary.BigEndian.PutUint64(b[3:11], uint64(e.StoredAt.UnixNano()))
	binary.BigEndian.PutUint64(b[11:19], uint64(e.TTL))
	binary.BigEndian.PutUint32(b[19:23], uint32(len(e.Namespace)))
	binary.BigEndian.PutUint32(b[23:27], uint32(len(e.Key)))
	off := recordHeaderLen
	off += copy(b[off:], e.Namespace)
	off += copy(b[off:], e.Key)
	copy(b[off:], payload)
	return base64.StdEncoding.EncodeToString(b)
}

func decodeRecord(s string) (*Entry, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if len(b) < recordHeaderLen {
		return nil, fmt.Errorf("%w: record is too short", ErrCorruptRecord)
	}
	if b[0] != recordMagic || b[1] != recordVersion {
		return nil, fmt.Errorf("%w: unknown record version %d", ErrCorruptRecord, b[1])
	}

	flags := b[2]
	storedAt := int64(binary.BigEndian.Uint64(b[3:11]))
	ttl := int64(binary.BigEndian.Uint64(b[11:19]))
	nsLen := uint64(binary.BigEndian.Uint32(b[19:23]))
	keyLen := uint64(binary.BigEndian.Uint32(b[23:27]))
	if uint64(len(b)-recordHeaderLen) < nsLen+keyLen {
		return nil, fmt.Errorf("%w: invalid length", ErrCorruptRecord)
	}

	off := uint64(recordHeaderLen)
	ns := string(b[off : off+nsLen])
	off += nsLen
	key := string(b[off : off+keyLen])
	off += keyLen

	payload := b[off:]
	if flags&flagSnappy != 0 {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
	}

	return &Entry{
		Namespace: ns,
		Key:       key,
		Value:     payload,
		StoredAt:  time.Unix(0, storedAt),
		TTL:       time.Duration(ttl),
	}, nil
}

func namespacePrefix(prefix, ns string) string {
	return prefix + url.QueryEscape(ns) + ":"
}

func backendKey(prefix, ns, key string) string {
	return namespacePrefix(prefix, ns) + key
}
