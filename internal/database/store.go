package database

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/logging"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

// MetaPrefix is reserved for store metadata and never handed to a service.
var MetaPrefix = []byte{0x00, 0x00}

const (
	metaPrefixMarker = "prefix-"
	metaNextPrefix   = "next-prefix"
)

var ErrPrefixesExhausted = errors.New("no service prefixes left")

// Store wraps a backend with the prefix allocator and service tips. It owns
// the allocator state, one Store per backend.
type Store struct {
	kv      KV
	genesis types.Tip

	mu       sync.Mutex
	prefixes map[string][]byte
}

// NewStore uses genesis as the tip of every service that has not committed yet.
func NewStore(kv KV, genesis types.Tip) *Store {
	return &Store{
		kv:       kv,
		genesis:  genesis,
		prefixes: make(map[string][]byte),
	}
}

func (s *Store) Genesis() types.Tip { return s.genesis }

func (s *Store) Get(key []byte) ([]byte, error) { return s.kv.Get(key) }

func (s *Store) Put(key, value []byte) error { return s.kv.Put(key, value) }

// Write commits ops atomically. An empty set is a no-op.
func (s *Store) Write(ops []Operation) error {
	if len(ops) == 0 {
		return nil
	}
	return s.kv.Write(ops)
}

func (s *Store) Scan(r Range) Iterator {
	lower, upper, err := r.Bounds()
	if err != nil {
		return ErrorIterator(err)
	}
	return s.kv.Scan(lower, upper)
}

// ScanPrefix iterates every key starting with prefix.
func (s *Store) ScanPrefix(prefix []byte) Iterator {
	return s.kv.Scan(prefix, encoding.TerminalKey(prefix))
}

func (s *Store) Close() error { return s.kv.Close() }

func metaKey(name string) []byte {
	k := make([]byte, 0, len(MetaPrefix)+len(name))
	k = append(k, MetaPrefix...)
	return append(k, name...)
}

// AllocatePrefix returns the 2 byte prefix of a service. The first call for
// a new name takes the next unused id and persists it together with the
// advanced counter. Ids are never reused.
func (s *Store) AllocatePrefix(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.prefixes[name]; ok {
		return p, nil
	}

	nameKey := metaKey(metaPrefixMarker + name)
	p, err := s.kv.Get(nameKey)
	if err == nil {
		if len(p) != encoding.SizePrefix {
			return nil, fmt.Errorf("%w: prefix of %s has %d bytes", ErrDecode, name, len(p))
		}
		s.prefixes[name] = p
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	next := uint32(1)
	counterKey := metaKey(metaNextPrefix)
	v, err := s.kv.Get(counterKey)
	switch {
	case err == nil:
		if len(v) != 4 {
			return nil, fmt.Errorf("%w: prefix counter has %d bytes", ErrDecode, len(v))
		}
		next = binary.BigEndian.Uint32(v)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	if next > math.MaxUint16 {
		return nil, ErrPrefixesExhausted
	}

	p = make([]byte, encoding.SizePrefix)
	binary.BigEndian.PutUint16(p, uint16(next))
	counter := make([]byte, 4)
	binary.BigEndian.PutUint32(counter, next+1)

	err = s.kv.Write([]Operation{Put(nameKey, p), Put(counterKey, counter)})
	if err != nil {
		logging.L.Err(err).Str("service", name).Msg("failed to persist prefix")
		return nil, err
	}
	logging.L.Info().Str("service", name).Hex("prefix", p).Msg("allocated service prefix")

	s.prefixes[name] = p
	return p, nil
}

// Prefixes lists every allocated service prefix.
func (s *Store) Prefixes() (map[string][]byte, error) {
	marker := metaKey(metaPrefixMarker)
	it := s.ScanPrefix(marker)
	defer it.Close()

	out := make(map[string][]byte)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), marker))
		out[name] = it.Value()
	}
	return out, it.Err()
}

// GetServiceTip returns the committed tip of a service, or the genesis tip
// when the service never committed.
func (s *Store) GetServiceTip(name string) (types.Tip, error) {
	prefix, err := s.AllocatePrefix(name)
	if err != nil {
		return types.Tip{}, err
	}
	v, err := s.kv.Get(encoding.TipKey(prefix, name))
	if errors.Is(err, ErrNotFound) {
		return s.genesis, nil
	}
	if err != nil {
		return types.Tip{}, err
	}
	tip, err := encoding.DecodeTip(v)
	if err != nil {
		return types.Tip{}, fmt.Errorf("tip of %s: %w", name, err)
	}
	return tip, nil
}

// TipOp sets the tip of a service. It goes into the same batch as the data
// it describes.
func TipOp(prefix []byte, name string, tip types.Tip) Operation {
	return Put(encoding.TipKey(prefix, name), encoding.EncodeTip(tip))
}

var ErrSettingMismatch = errors.New("setting differs from the one the store was created with")

const metaSetting = "setting-"

// PinSetting records value for name on first use. Later calls fail when the
// value changed, for settings that shape the on-disk layout.
func (s *Store) PinSetting(name, value string) error {
	key := metaKey(metaSetting + name)
	v, err := s.kv.Get(key)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.kv.Put(key, []byte(value))
	case err != nil:
		return err
	case string(v) != value:
		return fmt.Errorf("%w: %s is %q, configured %q", ErrSettingMismatch, name, v, value)
	}
	return nil
}

// Setting returns a pinned setting. ErrNotFound when it was never pinned.
func (s *Store) Setting(name string) (string, error) {
	v, err := s.kv.Get(metaKey(metaSetting + name))
	if err != nil {
		return "", err
	}
	return string(v), nil
}
