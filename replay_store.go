package passlink

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"passlink/internal"
)

const linkRecordVersionV1 = 1

var (
	errLinkRecordNotFound = errors.New("link record not found")
	errLinkTooSoon        = errors.New("previous link issued too recently")
)

// linkRecord is the server-side state of the one live magic link a user can
// have. Everything needed to validate a presented link is here; the link
// itself is never stored.
type linkRecord struct {
	Signature    []byte
	IssuedAt     int64
	ExpiresAt    int64
	SigningKeyID string
}

// linkStore keeps at most one linkRecord per user in redis, keyed by a
// salted hash of the username so the store never sees raw identifiers.
type linkStore struct {
	redis  *redis.Client
	prefix string
	salt   string
	now    func() time.Time
}

func newLinkStore(redisClient *redis.Client, prefix, salt string) *linkStore {
	return &linkStore{
		redis:  redisClient,
		prefix: prefix,
		salt:   salt,
		now:    time.Now,
	}
}

func (s *linkStore) key(userName string) string {
	return s.prefix + ":" + internal.HashUserName(s.salt, userName)
}

// PutIfAllowed writes the user's link record, replacing any previous one,
// unless the previous record is younger than minInterval; then it returns
// errLinkTooSoon and leaves the old record in place. The check-and-write is
// a WATCH transaction so two concurrent issuances cannot both pass the
// interval check.
func (s *linkStore) PutIfAllowed(ctx context.Context, userName string, record *linkRecord, minInterval time.Duration) error {
	const maxRetries = 4

	encoded, err := encodeLinkRecord(record)
	if err != nil {
		return err
	}

	key := s.key(userName)
	ttl := time.Until(time.Unix(record.ExpiresAt, 0))
	if ttl <= 0 {
		return errors.New("link record already expired")
	}

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				prev, err := decodeLinkRecord(data)
				if err == nil && s.now().Unix()-prev.IssuedAt < int64(minInterval/time.Second) {
					return errLinkTooSoon
				}
				// Corrupt or old enough: fall through and overwrite.
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, errLinkTooSoon) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errStoreUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: transaction retries exhausted", errStoreUnavailable)
}

// Consume removes and returns the user's link record in one step (GETDEL),
// so a link can only ever be redeemed once even under concurrent attempts.
func (s *linkStore) Consume(ctx context.Context, userName string) (*linkRecord, error) {
	data, err := s.redis.GetDel(ctx, s.key(userName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errLinkRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}

	record, err := decodeLinkRecord(data)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func encodeLinkRecord(record *linkRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(linkRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.SigningKeyID) > 65535 {
		return nil, errors.New("link record key id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.SigningKeyID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.SigningKeyID)

	if len(record.Signature) > 65535 {
		return nil, errors.New("link record signature too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Signature))); err != nil {
		return nil, err
	}
	buf.Write(record.Signature)

	return buf.Bytes(), nil
}

func decodeLinkRecord(data []byte) (*linkRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != linkRecordVersionV1 {
		return nil, errors.New("invalid link record version")
	}

	record := &linkRecord{}

	if err := binary.Read(reader, binary.BigEndian, &record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var keyIDLen uint16
	if err := binary.Read(reader, binary.BigEndian, &keyIDLen); err != nil {
		return nil, err
	}
	keyID := make([]byte, keyIDLen)
	if _, err := io.ReadFull(reader, keyID); err != nil {
		return nil, err
	}
	record.SigningKeyID = string(keyID)

	var sigLen uint16
	if err := binary.Read(reader, binary.BigEndian, &sigLen); err != nil {
		return nil, err
	}
	record.Signature = make([]byte, sigLen)
	if _, err := io.ReadFull(reader, record.Signature); err != nil {
		return nil, err
	}

	return record, nil
}
