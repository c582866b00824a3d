package grc

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// UpdateEvent is invoked after a dynamic value changed.
type UpdateEvent func()

// Updater is implemented by dynamic types. Values are replaced atomically
// whenever the backend key changes.
type Updater interface {
	AtomicUpdate(v string) error
}

// Setter is implemented by custom static types. Set is only called while the
// config is being registered.
type Setter interface {
	Set(v string) error
}

const (
	listSep   = ";"
	nestedSep = ","
	pairSep   = ":"
)

type notifier struct {
	mu     sync.Mutex
	events []UpdateEvent
}

// Changed registers evt to be called every time the value changes.
func (n *notifier) Changed(evt UpdateEvent) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func (n *notifier) fire() {
	n.mu.Lock()
	events := make([]UpdateEvent, len(n.events))
	copy(events, n.events)
	n.mu.Unlock()

	for _, evt := range events {
		evt()
	}
}

// String is a dynamic string value.
type String struct {
	notifier
	v atomic.Value
}

func (t *String) String() string {
	v, _ := t.v.Load().(string)
	return v
}

func (t *String) AtomicUpdate(v string) error {
	if t.String() == v && t.v.Load() != nil {
		return nil
	}
	t.v.Store(v)
	t.fire()
	return nil
}

// Bool is a dynamic bool value.
type Bool struct {
	notifier
	v atomic.Bool
}

func (t *Bool) String() string {
	return strconv.FormatBool(t.Bool())
}

func (t *Bool) Bool() bool {
	return t.v.Load()
}

func (t *Bool) AtomicUpdate(v string) error {
	b, err := parseBool(v)
	if err != nil {
		return err
	}
	if t.v.Swap(b) != b {
		t.fire()
	}
	return nil
}

// Int is a dynamic signed integer value.
type Int struct {
	notifier
	v atomic.Int64
}

func (t *Int) String() string {
	return strconv.FormatInt(t.Int64(), 10)
}

func (t *Int) Int() int {
	return int(t.Int64())
}

func (t *Int) Int8() int8 {
	return int8(t.Int64())
}

func (t *Int) Int16() int16 {
	return int16(t.Int64())
}

func (t *Int) Int32() int32 {
	return int32(t.Int64())
}

func (t *Int) Int64() int64 {
	return t.v.Load()
}

func (t *Int) AtomicUpdate(v string) error {
	iv, err := parseInt(v)
	if err != nil {
		return err
	}
	if t.v.Swap(iv) != iv {
		t.fire()
	}
	return nil
}

// Uint is a dynamic unsigned integer value.
type Uint struct {
	notifier
	v atomic.Uint64
}

func (t *Uint) String() string {
	return strconv.FormatUint(t.Uint64(), 10)
}

func (t *Uint) Uint() uint {
	return uint(t.Uint64())
}

func (t *Uint) Uint8() uint8 {
	return uint8(t.Uint64())
}

func (t *Uint) Uint16() uint16 {
	return uint16(t.Uint64())
}

func (t *Uint) Uint32() uint32 {
	return uint32(t.Uint64())
}

func (t *Uint) Uint64() uint64 {
	return t.v.Load()
}

func (t *Uint) AtomicUpdate(v string) error {
	uv, err := parseUint(v)
	if err != nil {
		return err
	}
	if t.v.Swap(uv) != uv {
		t.fire()
	}
	return nil
}

// Float is a dynamic floating point value.
type Float struct {
	notifier
	bits atomic.Uint64
}

func (t *Float) String() string {
	return strconv.FormatFloat(t.Float64(), 'f', -1, 64)
}

func (t *Float) Float32() float32 {
	return float32(t.Float64())
}

func (t *Float) Float64() float64 {
	return math.Float64frombits(t.bits.Load())
}

func (t *Float) AtomicUpdate(v string) error {
	fv, err := parseFloat(v)
	if err != nil {
		return err
	}
	bits := math.Float64bits(fv)
	if t.bits.Swap(bits) != bits {
		t.fire()
	}
	return nil
}

// Duration is a dynamic time.Duration value in time.ParseDuration format.
type Duration struct {
	notifier
	v atomic.Int64
}

func (t *Duration) String() string {
	return t.Duration().String()
}

func (t *Duration) Duration() time.Duration {
	return time.Duration(t.v.Load())
}

func (t *Duration) AtomicUpdate(v string) error {
	d, err := parseDuration(v)
	if err != nil {
		return err
	}
	if t.v.Swap(int64(d)) != int64(d) {
		t.fire()
	}
	return nil
}

// Slice is a dynamic list. Elements are separated by ";", and an element may
// itself be a "," separated list.
type Slice struct {
	notifier
	v atomic.Value
}

func (t *Slice) load() []string {
	sv, _ := t.v.Load().([]string)
	return sv
}

func (t *Slice) String() string {
	return strings.Join(t.load(), listSep)
}

func (t *Slice) Len() int {
	return len(t.load())
}

// Strings returns a copy of the elements.
func (t *Slice) Strings() []string {
	sv := t.load()
	out := make([]string, len(sv))
	copy(out, sv)
	return out
}

// Ints parses every element as an integer; unparsable elements are zero.
func (t *Slice) Ints() []int64 {
	sv := t.load()
	out := make([]int64, len(sv))
	for i, s := range sv {
		out[i], _ = parseInt(s)
	}
	return out
}

// Uints parses every element as an unsigned integer; unparsable elements are zero.
func (t *Slice) Uints() []uint64 {
	sv := t.load()
	out := make([]uint64, len(sv))
	for i, s := range sv {
		out[i], _ = parseUint(s)
	}
	return out
}

// Floats parses every element as a float; unparsable elements are zero.
func (t *Slice) Floats() []float64 {
	sv := t.load()
	out := make([]float64, len(sv))
	for i, s := range sv {
		out[i], _ = parseFloat(s)
	}
	return out
}

// Bools parses every element as a bool; unparsable elements are false.
func (t *Slice) Bools() []bool {
	sv := t.load()
	out := make([]bool, len(sv))
	for i, s := range sv {
		out[i], _ = parseBool(s)
	}
	return out
}

// Slice returns element i split as a nested list. It returns nil when i is out of range.
func (t *Slice) Slice(i int) []string {
	sv := t.load()
	if i < 0 || i >= len(sv) {
		return nil
	}
	return splitList(sv[i], nestedSep)
}

func (t *Slice) AtomicUpdate(v string) error {
	if t.v.Load() != nil && t.String() == v {
		return nil
	}
	t.v.Store(splitList(v, listSep))
	t.fire()
	return nil
}

// Map is a dynamic map. Pairs are separated by ";" and written as key:value;
// a value may itself be a "," separated list or map.
type Map struct {
	notifier
	v atomic.Value
}

func (t *Map) load() map[string]string {
	mv, _ := t.v.Load().(map[string]string)
	return mv
}

func (t *Map) String() string {
	return formatMap(t.load(), listSep)
}

func (t *Map) Len() int {
	return len(t.load())
}

// Keys returns the sorted keys.
func (t *Map) Keys() []string {
	mv := t.load()
	keys := make([]string, 0, len(mv))
	for k := range mv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Map) Has(key string) bool {
	_, ok := t.load()[key]
	return ok
}

func (t *Map) StringVal(key string) string {
	return t.load()[key]
}

func (t *Map) BoolVal(key string) bool {
	b, _ := parseBool(t.load()[key])
	return b
}

func (t *Map) IntVal(key string) int64 {
	i, _ := parseInt(t.load()[key])
	return i
}

func (t *Map) UintVal(key string) uint64 {
	u, _ := parseUint(t.load()[key])
	return u
}

func (t *Map) FloatVal(key string) float64 {
	f, _ := parseFloat(t.load()[key])
	return f
}

// SliceVal returns the value of key split as a nested list.
func (t *Map) SliceVal(key string) []string {
	return splitList(t.load()[key], nestedSep)
}

// MapVal returns the value of key parsed as a nested map.
func (t *Map) MapVal(key string) map[string]string {
	return parseMap(t.load()[key], nestedSep)
}

func (t *Map) AtomicUpdate(v string) error {
	mv := parseMap(v, listSep)
	if t.v.Load() != nil && formatMap(mv, listSep) == t.String() {
		return nil
	}
	t.v.Store(mv)
	t.fire()
	return nil
}

func splitList(v, sep string) []string {
	if v == "" {
		return []string{}
	}
	return strings.Split(v, sep)
}

func parseMap(v, sep string) map[string]string {
	pairs := splitList(v, sep)
	mv := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, val, _ := strings.Cut(pair, pairSep)
		mv[k] = val
	}
	return mv
}

func formatMap(mv map[string]string, sep string) string {
	keys := make([]string, 0, len(mv))
	for k := range mv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if mv[k] == "" {
			parts = append(parts, k)
		} else {
			parts = append(parts, k+pairSep+mv[k])
		}
	}
	return strings.Join(parts, sep)
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("grc: invalid bool %q", s)
	}
	return b, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("grc: invalid integer %q", s)
	}
	return i, nil
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("grc: invalid unsigned integer %q", s)
	}
	return u, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("grc: invalid float %q", s)
	}
	return f, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("grc: invalid duration %q", s)
	}
	return d, nil
}
