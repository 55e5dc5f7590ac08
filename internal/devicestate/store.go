package devicestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/symgrid/iot-cloud-apps/internal/codec"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/cache"
)

// Defaults applied when no option overrides them.
const (
	DefaultOfflineExpiry = 7 * 24 * time.Hour
	DefaultMaxChildren   = 1000
)

// lockStripes is the number of mutexes ids are hashed onto.
const lockStripes = 64

// Key namespaces in the backing cache.
const (
	statusPrefix = "status:"
	configPrefix = "config:"
	relPrefix    = "rel:"
	parentPrefix = "parent:"
	livePrefix   = "live:"
)

func statusKey(gateway string) string { return statusPrefix + gateway }
func configKey(device string) string  { return configPrefix + device }
func relKey(gateway string) string    { return relPrefix + gateway }
func parentKey(device string) string  { return parentPrefix + device }
func liveKey(device string) string    { return livePrefix + device }

// Store keeps the current state of gateways and devices with cascading
// expiry: when a gateway goes offline, its keys and those of every device
// under it share one eviction deadline.
//
// Writers for the same gateway or device are serialized by a striped lock;
// writers for different ids only contend when they hash to the same stripe.
type Store struct {
	cache       cache.Store
	expiry      time.Duration
	maxChildren int
	now         func() time.Time

	stripes [lockStripes]sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithOfflineExpiry sets how long an offline gateway's data survives.
func WithOfflineExpiry(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithMaxChildren caps the number of devices tracked under one gateway.
func WithMaxChildren(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxChildren = n
		}
	}
}

// WithClock replaces time.Now when computing deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store on top of c.
func New(c cache.Store, opts ...Option) *Store {
	s := &Store{
		cache:       c,
		expiry:      DefaultOfflineExpiry,
		maxChildren: DefaultMaxChildren,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock acquires the stripes of ids in ascending order and returns the
// matching unlock.
func (s *Store) lock(ids ...string) func() {
	idx := make([]int, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		i := int(h.Sum32() % lockStripes)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}

// ApplyStatus records a gateway state. OFFLINE schedules one deadline on the
// gateway's status and relationship keys and on the config, live value and
// parent keys of every device listed under it. ONLINE clears the deadline
// on the gateway's own keys; device keys are refreshed on their next write.
func (s *Store) ApplyStatus(ctx context.Context, gateway string, state codec.State) error {
	unlock := s.lock(gateway)
	defer unlock()

	if err := s.cache.Set(ctx, statusKey(gateway), string(state)); err != nil {
		return fmt.Errorf("setting status of %s: %w", gateway, err)
	}

	if state == codec.StateOnline {
		return errors.Join(
			s.cache.Persist(ctx, statusKey(gateway)),
			s.cache.Persist(ctx, relKey(gateway)),
		)
	}

	at := s.now().Add(s.expiry)
	errs := []error{
		s.cache.ExpireAt(ctx, statusKey(gateway), at),
		s.cache.ExpireAt(ctx, relKey(gateway), at),
	}

	children, err := s.cache.ListMembers(ctx, relKey(gateway))
	if err != nil {
		return fmt.Errorf("listing devices of %s: %w", gateway, errors.Join(append(errs, err)...))
	}
	for _, device := range children {
		for _, key := range []string{configKey(device), liveKey(device), parentKey(device)} {
			errs = append(errs, s.cache.ExpireAt(ctx, key, at))
		}
	}
	return errors.Join(errs...)
}

// SetRelationship lists device under gateway and points device back at it.
//
// A device moving from another gateway is removed from that gateway's list.
// When the list exceeds its cap the oldest devices are dropped together with
// their parent pointers; the device just added is never dropped. Both keys
// take the gateway's current deadline, or none while it is online.
func (s *Store) SetRelationship(ctx context.Context, gateway, device string) error {
	prev, unlock, err := s.lockRelationship(ctx, gateway, device)
	if err != nil {
		return err
	}
	defer unlock()

	return s.setRelationshipLocked(ctx, gateway, device, prev)
}

// lockRelationship locks gateway, device and the device's current parent.
// The parent is read before its stripe is held, so it is read again under
// the lock and the locking retried until both reads agree.
func (s *Store) lockRelationship(ctx context.Context, gateway, device string) (string, func(), error) {
	prev, err := s.parentOf(ctx, device)
	if err != nil {
		return "", nil, err
	}
	for {
		unlock := s.lock(gateway, device, prev)
		cur, err := s.parentOf(ctx, device)
		if err != nil {
			unlock()
			return "", nil, err
		}
		if cur == prev {
			return prev, unlock, nil
		}
		unlock()
		prev = cur
	}
}

func (s *Store) setRelationshipLocked(ctx context.Context, gateway, device, prev string) error {
	if prev != "" && prev != gateway {
		if err := s.cache.ListRemove(ctx, relKey(prev), device); err != nil {
			return fmt.Errorf("detaching %s from %s: %w", device, prev, err)
		}
	}

	trimmed, err := s.cache.ListPushBounded(ctx, relKey(gateway), device, s.maxChildren)
	if err != nil {
		return fmt.Errorf("listing %s under %s: %w", device, gateway, err)
	}
	if err := s.cache.Set(ctx, parentKey(device), gateway); err != nil {
		return fmt.Errorf("pointing %s at %s: %w", device, gateway, err)
	}

	var errs []error
	for _, old := range trimmed {
		if old == device {
			continue
		}
		errs = append(errs, s.cache.Delete(ctx, parentKey(old)))
	}

	errs = append(errs, s.inherit(ctx, gateway, relKey(gateway), parentKey(device)))
	return errors.Join(errs...)
}

// ApplyConfig stores the config of device and relates it to gateway.
func (s *Store) ApplyConfig(ctx context.Context, gateway, device string, cfg json.RawMessage) error {
	prev, unlock, err := s.lockRelationship(ctx, gateway, device)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.setRelationshipLocked(ctx, gateway, device, prev); err != nil {
		return err
	}

	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	if err := s.cache.Set(ctx, configKey(device), string(cfg)); err != nil {
		return fmt.Errorf("setting config of %s: %w", device, err)
	}
	return s.inherit(ctx, gateway, configKey(device), liveKey(device))
}

// ApplyLiveValue stores one input reading of device. The live value key
// follows the deadline of the device's gateway, refreshing the device's
// config and parent keys when the gateway is back online.
func (s *Store) ApplyLiveValue(ctx context.Context, device, input string, v codec.LiveValue) error {
	if len(v.Value) == 0 {
		v.Value = json.RawMessage("null")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding live value %s/%s: %w", device, input, err)
	}

	unlock := s.lock(device)
	defer unlock()

	if err := s.cache.HashSet(ctx, liveKey(device), map[string]string{input: string(raw)}); err != nil {
		return fmt.Errorf("setting live value %s/%s: %w", device, input, err)
	}

	gateway, err := s.parentOf(ctx, device)
	if err != nil {
		return err
	}
	if gateway == "" {
		return s.cache.Persist(ctx, liveKey(device))
	}
	return s.inherit(ctx, gateway, liveKey(device), configKey(device), parentKey(device))
}

// inherit copies the deadline of gateway's status key onto keys, or clears
// their deadlines when the gateway has none.
func (s *Store) inherit(ctx context.Context, gateway string, keys ...string) error {
	at, ok, err := s.cache.Deadline(ctx, statusKey(gateway))
	if err != nil {
		return fmt.Errorf("reading deadline of %s: %w", gateway, err)
	}

	errs := make([]error, 0, len(keys))
	for _, key := range keys {
		if ok {
			errs = append(errs, s.cache.ExpireAt(ctx, key, at))
		} else {
			errs = append(errs, s.cache.Persist(ctx, key))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) parentOf(ctx context.Context, device string) (string, error) {
	parent, err := s.cache.Get(ctx, parentKey(device))
	if errors.Is(err, cache.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading parent of %s: %w", device, err)
	}
	return parent, nil
}

// deviceConfig is the part of a device config the store reads.
type deviceConfig struct {
	Inputs []struct {
		Name string `json:"name"`
	} `json:"inputs"`
}

// Query returns the live values of device's declared inputs. Inputs come
// from the device config; a value stored under an input missing from the
// config is not returned. Values under "<input>/value" are read when the
// plain input name has none.
func (s *Store) Query(ctx context.Context, device string) (map[string]codec.LiveValue, error) {
	out := make(map[string]codec.LiveValue)

	raw, err := s.cache.Get(ctx, configKey(device))
	if errors.Is(err, cache.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config of %s: %w", device, err)
	}

	var cfg deviceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decoding config of %s: %w", device, err)
	}

	fields := make([]string, 0, 2*len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		if in.Name != "" {
			fields = append(fields, in.Name, in.Name+"/value")
		}
	}
	if len(fields) == 0 {
		return out, nil
	}

	values, err := s.cache.HashGet(ctx, liveKey(device), fields...)
	if err != nil {
		return nil, fmt.Errorf("reading live values of %s: %w", device, err)
	}

	for _, in := range cfg.Inputs {
		stored, ok := values[in.Name]
		if !ok {
			stored, ok = values[in.Name+"/value"]
		}
		if !ok {
			continue
		}
		lv, err := parseStored(stored)
		if err != nil {
			continue
		}
		out[in.Name] = lv
	}
	return out, nil
}

// parseStored reads a live value written as {value, ts, quality} or as a
// [value, ts, quality] array.
func parseStored(s string) (codec.LiveValue, error) {
	var lv codec.LiveValue
	if len(s) > 0 && s[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(s), &elems); err != nil || len(elems) == 0 {
			return lv, fmt.Errorf("decoding live value array: %w", err)
		}
		lv.Value = elems[0]
		if len(elems) > 1 {
			_ = json.Unmarshal(elems[1], &lv.Timestamp)
		}
		if len(elems) > 2 {
			_ = json.Unmarshal(elems[2], &lv.Quality)
		}
		return lv, nil
	}
	if err := json.Unmarshal([]byte(s), &lv); err != nil {
		return lv, fmt.Errorf("decoding live value: %w", err)
	}
	return lv, nil
}

// Status returns the last recorded state of gateway.
func (s *Store) Status(ctx context.Context, gateway string) (codec.State, bool, error) {
	v, err := s.cache.Get(ctx, statusKey(gateway))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return codec.ParseState(v), true, nil
}

// Config returns the stored config of device.
func (s *Store) Config(ctx context.Context, device string) (json.RawMessage, bool, error) {
	v, err := s.cache.Get(ctx, configKey(device))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(v), true, nil
}

// Children returns the devices listed under gateway, oldest first.
func (s *Store) Children(ctx context.Context, gateway string) ([]string, error) {
	return s.cache.ListMembers(ctx, relKey(gateway))
}

// Parent returns the gateway device is listed under.
func (s *Store) Parent(ctx context.Context, device string) (string, bool, error) {
	p, err := s.parentOf(ctx, device)
	return p, p != "", err
}

// Ping checks the backing cache.
func (s *Store) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}
