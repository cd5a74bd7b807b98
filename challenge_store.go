package privacyidea

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersion1 = 1
	// janitorGrace keeps expired records around long enough for the
	// janitor's newest-expired retention rule before Redis TTL removes
	// them for good.
	janitorGrace = time.Hour
)

type challengeStore struct {
	redis  *redis.Client
	prefix string
}

func newChallengeStore(redisClient *redis.Client, prefix string) *challengeStore {
	return &challengeStore{redis: redisClient, prefix: prefix}
}

func (s *challengeStore) key(transactionID string) string {
	return s.prefix + ":tx:" + transactionID
}

func (s *challengeStore) serialKey(serial string) string {
	return s.prefix + ":ser:" + serial
}

func (s *challengeStore) Save(ctx context.Context, ch *Challenge) error {
	encoded, err := encodeChallenge(ch)
	if err != nil {
		return err
	}

	ttl := time.Duration(ch.ValiditySeconds)*time.Second + janitorGrace
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.key(ch.TransactionID), encoded, ttl)
	pipe.SAdd(ctx, s.serialKey(ch.Serial), ch.TransactionID)
	pipe.Expire(ctx, s.serialKey(ch.Serial), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Get returns the challenge for a transaction id, enforcing the
// validity window. Expired records are deleted on read.
func (s *challengeStore) Get(ctx context.Context, transactionID string, now time.Time) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(transactionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	ch, err := decodeChallenge(data)
	if err != nil {
		return nil, err
	}
	if !ch.Valid(now) {
		_, _ = s.redis.Del(ctx, s.key(transactionID)).Result()
		_, _ = s.redis.SRem(ctx, s.serialKey(ch.Serial), transactionID).Result()
		return nil, ErrChallengeExpired
	}
	return ch, nil
}

// Consume deletes the challenge and reports whether this caller won the
// deletion. A second concurrent consume observes false, never a second
// success.
func (s *challengeStore) Consume(ctx context.Context, transactionID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(transactionID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure increments the attempt counter under an optimistic
// transaction. Once maxAttempts is reached the challenge is deleted and
// exceeded is true.
func (s *challengeStore) RecordFailure(ctx context.Context, transactionID string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(transactionID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			ch, err := decodeChallenge(data)
			if err != nil {
				return err
			}
			if !ch.Valid(time.Now()) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			ch.Attempts++
			if int(ch.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, s.serialKey(ch.Serial), transactionID)
					return nil
				})
				return err
			}

			updated, err := encodeChallenge(ch)
			if err != nil {
				return err
			}
			ttl := time.Until(time.Unix(ch.CreatedAt, 0).Add(time.Duration(ch.ValiditySeconds)*time.Second + janitorGrace))
			if ttl <= 0 {
				return ErrChallengeExpired
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrChallengeNotFound
}

// ForSerial lists all stored challenges for a serial, newest first.
func (s *challengeStore) ForSerial(ctx context.Context, serial string) ([]*Challenge, error) {
	ids, err := s.redis.SMembers(ctx, s.serialKey(serial)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	out := make([]*Challenge, 0, len(ids))
	for _, id := range ids {
		data, err := s.redis.Get(ctx, s.key(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				_, _ = s.redis.SRem(ctx, s.serialKey(serial), id).Result()
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		ch, err := decodeChallenge(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Janitor deletes lapsed challenges for a serial but always retains the
// newest still-valid and the newest expired record, so an exchange that
// is still in flight is never collaterally deleted.
func (s *challengeStore) Janitor(ctx context.Context, serial string, now time.Time) error {
	all, err := s.ForSerial(ctx, serial)
	if err != nil {
		return err
	}

	keptExpired := false
	for _, ch := range all {
		if ch.Valid(now) {
			continue
		}
		if !keptExpired {
			keptExpired = true
			continue
		}
		_, _ = s.redis.Del(ctx, s.key(ch.TransactionID)).Result()
		_, _ = s.redis.SRem(ctx, s.serialKey(serial), ch.TransactionID).Result()
	}
	return nil
}

// DeleteForSerial removes every challenge of a serial. Token removal
// cascades through here.
func (s *challengeStore) DeleteForSerial(ctx context.Context, serial string) error {
	all, err := s.ForSerial(ctx, serial)
	if err != nil {
		return err
	}
	for _, ch := range all {
		_, _ = s.redis.Del(ctx, s.key(ch.TransactionID)).Result()
	}
	_, _ = s.redis.Del(ctx, s.serialKey(serial)).Result()
	return nil
}

func encodeChallenge(ch *Challenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, ch.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, ch.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, ch.ValiditySeconds); err != nil {
		return nil, err
	}

	if err := writeString(&buf, ch.TransactionID); err != nil {
		return nil, err
	}
	if err := writeString(&buf, ch.Serial); err != nil {
		return nil, err
	}
	if err := writeString(&buf, ch.Data); err != nil {
		return nil, err
	}

	if len(ch.Session) > 65535 {
		return nil, errors.New("challenge session map too large")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(ch.Session))); err != nil {
		return nil, err
	}
	for k, v := range ch.Session {
		if err := writeString(&buf, k); err != nil {
			return nil, err
		}
		if err := writeString(&buf, v); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*Challenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion1 {
		return nil, errors.New("invalid challenge record version")
	}

	ch := &Challenge{}
	if err := binary.Read(reader, binary.BigEndian, &ch.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &ch.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &ch.ValiditySeconds); err != nil {
		return nil, err
	}

	if ch.TransactionID, err = readString(reader); err != nil {
		return nil, err
	}
	if ch.Serial, err = readString(reader); err != nil {
		return nil, err
	}
	if ch.Data, err = readString(reader); err != nil {
		return nil, err
	}

	var count uint16
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if count > 0 {
		ch.Session = make(map[string]string, count)
		for i := uint16(0); i < count; i++ {
			k, err := readString(reader)
			if err != nil {
				return nil, err
			}
			v, err := readString(reader)
			if err != nil {
				return nil, err
			}
			ch.Session[k] = v
		}
	}

	return ch, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("challenge field length exceeded")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
