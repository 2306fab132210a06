// Package params implements the hierarchical string parameter store used
// throughout the configuration graph. Keys are interned to integers in a
// process-wide table so repeated comparisons are cheap; values stay strings
// until a caller asks for a typed conversion.
package params

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrInvalidConversion is returned when a stored value cannot be parsed as
// the requested type.
var ErrInvalidConversion = errors.New("invalid parameter conversion")

// Key 0 of every shared set holds the set's own name so that sets can be
// re-resolved by name after a checkpoint restore.
const setNameKey = uint32(0)

// intern is the process-wide key table. Key ids start at 1; id 0 is
// reserved for shared-set metadata.
var intern = struct {
	sync.Mutex
	keys    map[string]uint32
	reverse []string
}{
	keys:    make(map[string]uint32),
	reverse: []string{"<reserved>"},
}

// GetKey interns a parameter name and returns its id.
func GetKey(name string) uint32 {
	intern.Lock()
	defer intern.Unlock()
	if id, ok := intern.keys[name]; ok {
		return id
	}
	id := uint32(len(intern.reverse))
	intern.keys[name] = id
	intern.reverse = append(intern.reverse, name)
	return id
}

// KeyName returns the parameter name interned under id.
func KeyName(id uint32) string {
	intern.Lock()
	defer intern.Unlock()
	if int(id) < len(intern.reverse) {
		return intern.reverse[id]
	}
	return ""
}

// shared is the process-wide shared-set registry.
var shared = struct {
	sync.Mutex
	sets map[string]map[uint32]string
}{
	sets: make(map[string]map[uint32]string),
}

// InsertShared publishes a key/value into the named shared set, creating the
// set on first use. When overwrite is false an existing value is left alone.
func InsertShared(set, key, value string, overwrite bool) {
	shared.Lock()
	defer shared.Unlock()
	s, ok := shared.sets[set]
	if !ok {
		s = map[uint32]string{setNameKey: set}
		shared.sets[set] = s
	}
	id := GetKey(key)
	if _, exists := s[id]; exists && !overwrite {
		return
	}
	s[id] = value
}

// sharedSet returns the backing map of a shared set, or nil.
func sharedSet(name string) map[uint32]string {
	shared.Lock()
	defer shared.Unlock()
	return shared.sets[name]
}

// SharedSetNames returns the names of all registered shared sets, sorted.
func SharedSetNames() []string {
	shared.Lock()
	defer shared.Unlock()
	names := make([]string, 0, len(shared.sets))
	for n := range shared.sets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// warned tracks parameter names that already triggered an undocumented-key
// warning, so each name warns at most once per process.
var warned = struct {
	sync.Mutex
	seen map[string]struct{}
}{seen: make(map[string]struct{})}

// Params maps string keys to string values. Lookups walk the local map
// first, then each subscribed shared set in subscription order.
type Params struct {
	local   map[uint32]string
	sets    []string
	allowed []map[string]struct{}
	verify  bool
}

// New returns an empty Params with key verification enabled.
func New() *Params {
	return &Params{local: make(map[uint32]string), verify: true}
}

// Clone returns a deep copy of the local map sharing the same subscriptions.
func (p *Params) Clone() *Params {
	c := &Params{
		local:   make(map[uint32]string, len(p.local)),
		sets:    append([]string(nil), p.sets...),
		allowed: append([]map[string]struct{}(nil), p.allowed...),
		verify:  p.verify,
	}
	for k, v := range p.local {
		c.local[k] = v
	}
	return c
}

// Insert stores value under key. When overwrite is false and the key already
// exists locally, the original value is kept.
func (p *Params) Insert(key, value string, overwrite bool) {
	id := GetKey(key)
	if !overwrite {
		if _, ok := p.local[id]; ok {
			return
		}
	}
	p.local[id] = value
}

// InsertAll merges other's local map into p (overwriting) and appends any
// shared-set subscriptions p does not already have.
func (p *Params) InsertAll(other *Params) {
	for k, v := range other.local {
		p.local[k] = v
	}
	for _, s := range other.sets {
		if !p.subscribed(s) {
			p.sets = append(p.sets, s)
		}
	}
}

func (p *Params) subscribed(set string) bool {
	for _, s := range p.sets {
		if s == set {
			return true
		}
	}
	return false
}

// AddSharedParamSet subscribes p to the named shared set. Values in the set
// become visible to lookups after any local value.
func (p *Params) AddSharedParamSet(set string) {
	if !p.subscribed(set) {
		p.sets = append(p.sets, set)
	}
}

// SharedSets returns the names of the sets p subscribes to.
func (p *Params) SharedSets() []string {
	return append([]string(nil), p.sets...)
}

// lookup walks the layers in order and returns the raw string value.
func (p *Params) lookup(key string) (string, bool) {
	id := GetKey(key)
	if v, ok := p.local[id]; ok {
		return v, true
	}
	for _, name := range p.sets {
		if s := sharedSet(name); s != nil {
			if v, ok := s[id]; ok {
				return v, true
			}
		}
	}
	return "", false
}

// Contains reports whether key resolves in any layer.
func (p *Params) Contains(key string) bool {
	_, ok := p.lookup(key)
	return ok
}

// Len returns the number of distinct keys visible through all layers.
func (p *Params) Len() int {
	return len(p.Keys())
}

// Empty reports whether no keys are visible.
func (p *Params) Empty() bool {
	return p.Len() == 0
}

// Keys returns every visible key name, sorted.
func (p *Params) Keys() []string {
	seen := make(map[uint32]struct{}, len(p.local))
	for k := range p.local {
		seen[k] = struct{}{}
	}
	for _, name := range p.sets {
		if s := sharedSet(name); s != nil {
			for k := range s {
				if k != setNameKey {
					seen[k] = struct{}{}
				}
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, KeyName(k))
	}
	sort.Strings(keys)
	return keys
}

// LocalItems returns a copy of the local layer only, keyed by name. Model
// writers use it to round-trip params without flattening shared sets in.
func (p *Params) LocalItems() map[string]string {
	out := make(map[string]string, len(p.local))
	for id, v := range p.local {
		out[KeyName(id)] = v
	}
	return out
}

// FindString returns the value stored under key, or def when absent.
func (p *Params) FindString(key, def string) (string, bool) {
	p.VerifyParam(key)
	if v, ok := p.lookup(key); ok {
		return v, true
	}
	return def, false
}

// FindInt64 parses the value under key as a signed integer.
func (p *Params) FindInt64(key string, def int64) (int64, bool, error) {
	p.VerifyParam(key)
	v, ok := p.lookup(key)
	if !ok {
		return def, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return def, true, fmt.Errorf("%w: key %q value %q as int64", ErrInvalidConversion, key, v)
	}
	return n, true, nil
}

// FindUint64 parses the value under key as an unsigned integer.
func (p *Params) FindUint64(key string, def uint64) (uint64, bool, error) {
	p.VerifyParam(key)
	v, ok := p.lookup(key)
	if !ok {
		return def, false, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return def, true, fmt.Errorf("%w: key %q value %q as uint64", ErrInvalidConversion, key, v)
	}
	return n, true, nil
}

// FindFloat64 parses the value under key as a float.
func (p *Params) FindFloat64(key string, def float64) (float64, bool, error) {
	p.VerifyParam(key)
	v, ok := p.lookup(key)
	if !ok {
		return def, false, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def, true, fmt.Errorf("%w: key %q value %q as float64", ErrInvalidConversion, key, v)
	}
	return f, true, nil
}

// FindBool parses the value under key as a boolean. Accepted spellings are
// true/false, t/f, yes/no, y/n, on/off and 1/0, case-insensitive.
func (p *Params) FindBool(key string, def bool) (bool, bool, error) {
	p.VerifyParam(key)
	v, ok := p.lookup(key)
	if !ok {
		return def, false, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "t", "yes", "y", "on", "1":
		return true, true, nil
	case "false", "f", "no", "n", "off", "0":
		return false, true, nil
	}
	return def, true, fmt.Errorf("%w: key %q value %q as bool", ErrInvalidConversion, key, v)
}

// FindArray parses the value under key with the array-token grammar.
func (p *Params) FindArray(key string) ([]string, bool, error) {
	p.VerifyParam(key)
	v, ok := p.lookup(key)
	if !ok {
		return nil, false, nil
	}
	toks, err := ArrayTokens(v)
	if err != nil {
		return nil, true, err
	}
	return toks, true, nil
}

// FindPrefixParams returns a new Params whose local keys are those of p that
// start with prefix, with the prefix stripped. Verification is disabled on
// the extracted copy.
func (p *Params) FindPrefixParams(prefix string) *Params {
	ret := New()
	ret.verify = false
	p.eachVisible(func(key, value string) {
		if strings.HasPrefix(key, prefix) {
			ret.Insert(key[len(prefix):], value, true)
		}
	})
	ret.allowed = p.allowed
	return ret
}

// GetScopedParams returns the sub-namespace under scope, where scope is a
// dotted prefix ("scope." is stripped from matching keys).
func (p *Params) GetScopedParams(scope string) *Params {
	return p.FindPrefixParams(scope + ".")
}

// eachVisible walks every visible key/value pair, local layer first.
func (p *Params) eachVisible(fn func(key, value string)) {
	for id, v := range p.local {
		fn(KeyName(id), v)
	}
	seen := make(map[uint32]struct{}, len(p.local))
	for id := range p.local {
		seen[id] = struct{}{}
	}
	for _, name := range p.sets {
		s := sharedSet(name)
		if s == nil {
			continue
		}
		for id, v := range s {
			if id == setNameKey {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			fn(KeyName(id), v)
		}
	}
}

// PushAllowedKeys pushes a set of documented key names onto the verification
// stack.
func (p *Params) PushAllowedKeys(keys []string) {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	p.allowed = append(p.allowed, set)
}

// PopAllowedKeys pops the most recent documented-key set.
func (p *Params) PopAllowedKeys() {
	if len(p.allowed) > 0 {
		p.allowed = p.allowed[:len(p.allowed)-1]
	}
}

// EnableVerify turns undocumented-parameter warnings on or off.
func (p *Params) EnableVerify(enable bool) {
	p.verify = enable
}

// VerifyParam warns once per process when key is looked up but not present
// in any allowed-key set. The warning is advisory, never fatal.
func (p *Params) VerifyParam(key string) {
	if !p.verify || len(p.allowed) == 0 {
		return
	}
	for i := len(p.allowed) - 1; i >= 0; i-- {
		if _, ok := p.allowed[i][key]; ok {
			return
		}
	}
	warned.Lock()
	defer warned.Unlock()
	if _, ok := warned.seen[key]; ok {
		return
	}
	warned.seen[key] = struct{}{}
	logrus.Warnf("parameter %q is undocumented", key)
}
