package fetch

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/teranos/fetchq/errors"
)

// NetworkClass is the kind of connectivity the host currently has.
type NetworkClass int

const (
	NetworkNone NetworkClass = iota
	NetworkWifi
	NetworkMobile
)

func (c NetworkClass) String() string {
	switch c {
	case NetworkWifi:
		return "WIFI"
	case NetworkMobile:
		return "MOBILE"
	default:
		return "NONE"
	}
}

// ParseNetworkClass accepts wifi, mobile or none in any case.
func ParseNetworkClass(s string) (NetworkClass, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WIFI":
		return NetworkWifi, nil
	case "MOBILE":
		return NetworkMobile, nil
	case "NONE", "":
		return NetworkNone, nil
	}
	return NetworkNone, errors.Mark(errors.Newf("unknown network class %q", s), ErrValidation)
}

// NetworkSet is a set of classes a transfer may use.
type NetworkSet uint8

const (
	// AllNetworks is the default when a caller does not restrict networks
	AllNetworks = NetworkSet(1<<NetworkWifi | 1<<NetworkMobile)
)

// NewNetworkSet builds a set from classes. NetworkNone is ignored.
func NewNetworkSet(classes ...NetworkClass) NetworkSet {
	var s NetworkSet
	for _, c := range classes {
		if c == NetworkWifi || c == NetworkMobile {
			s |= 1 << c
		}
	}
	return s
}

// ParseNetworkSet parses a comma separated list such as "WIFI,MOBILE".
func ParseNetworkSet(s string) (NetworkSet, error) {
	var set NetworkSet
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseNetworkClass(part)
		if err != nil {
			return 0, err
		}
		if c == NetworkNone {
			return 0, errors.Mark(errors.New("NONE is not an allowed network"), ErrValidation)
		}
		set |= 1 << c
	}
	return set, nil
}

// Has reports whether c is in the set. NetworkNone is never allowed.
func (s NetworkSet) Has(c NetworkClass) bool {
	return c != NetworkNone && s&(1<<c) != 0
}

func (s NetworkSet) IsEmpty() bool { return s&AllNetworks == 0 }

// Classes returns the members in WIFI, MOBILE order.
func (s NetworkSet) Classes() []NetworkClass {
	var out []NetworkClass
	for _, c := range []NetworkClass{NetworkWifi, NetworkMobile} {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s NetworkSet) String() string {
	names := make([]string, 0, 2)
	for _, c := range s.Classes() {
		names = append(names, c.String())
	}
	return strings.Join(names, ",")
}

func (s NetworkSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 2)
	for _, c := range s.Classes() {
		names = append(names, c.String())
	}
	return json.Marshal(names)
}

func (s NetworkSet) MarshalYAML() (interface{}, error) {
	names := make([]string, 0, 2)
	for _, c := range s.Classes() {
		names = append(names, c.String())
	}
	return names, nil
}

func (s *NetworkSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return errors.Mark(errors.Wrap(err, "allowed networks must be a list"), ErrValidation)
	}
	set, err := ParseNetworkSet(strings.Join(names, ","))
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// NetworkMonitor reports the active network class and its changes.
type NetworkMonitor interface {
	Current() NetworkClass
	// Watch returns a channel that receives the class after every change.
	// The returned func stops the watch. Slow readers only see the latest class.
	Watch() (<-chan NetworkClass, func())
}

// StaticMonitor holds a class that only changes through Set.
type StaticMonitor struct {
	mu       sync.Mutex
	class    NetworkClass
	watchers map[int]chan NetworkClass
	nextID   int
}

func NewStaticMonitor(class NetworkClass) *StaticMonitor {
	return &StaticMonitor{class: class, watchers: make(map[int]chan NetworkClass)}
}

func (m *StaticMonitor) Current() NetworkClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.class
}

// Set changes the class and notifies watchers when it differs from the old one.
func (m *StaticMonitor) Set(class NetworkClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.class == class {
		return
	}
	m.class = class
	for _, ch := range m.watchers {
		// Keep only the newest value in the one-slot buffer
		select {
		case <-ch:
		default:
		}
		ch <- class
	}
}

func (m *StaticMonitor) Watch() (<-chan NetworkClass, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan NetworkClass, 1)
	m.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}
