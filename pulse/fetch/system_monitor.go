package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/teranos/fetchq/logger"
)

// SystemMonitor polls host interfaces and classifies the active network.
//
// An interface counts when it is up, not loopback, and has an address. Names
// are classified by prefix unless overridden; WIFI wins when both are up.
type SystemMonitor struct {
	*StaticMonitor

	interval  time.Duration
	overrides map[string]NetworkClass
	list      func(ctx context.Context) (psnet.InterfaceStatList, error)
	logger    *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor and takes an initial reading.
// overrides maps interface names to "wifi" or "mobile".
func NewSystemMonitor(interval time.Duration, overrides map[string]string, log *zap.SugaredLogger) *SystemMonitor {
	if log == nil {
		log = logger.ComponentLogger("netmon")
	}
	m := &SystemMonitor{
		StaticMonitor: NewStaticMonitor(NetworkNone),
		interval:      interval,
		overrides:     make(map[string]NetworkClass),
		list:          psnet.InterfacesWithContext,
		logger:        log,
	}
	for name, class := range overrides {
		if c, err := ParseNetworkClass(class); err == nil {
			m.overrides[name] = c
		}
	}
	m.poll(context.Background())
	return m
}

// Start polls until Stop is called.
func (m *SystemMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	}()
}

func (m *SystemMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *SystemMonitor) poll(ctx context.Context) {
	ifaces, err := m.list(ctx)
	if err != nil {
		m.logger.Warnw("Failed to list network interfaces", logger.FieldError, err)
		return
	}
	class := m.classify(ifaces)
	if prev := m.Current(); prev != class {
		m.logger.Infow("Network class changed",
			"from", prev.String(),
			logger.FieldNetwork, class.String(),
		)
	}
	m.Set(class)
}

func (m *SystemMonitor) classify(ifaces psnet.InterfaceStatList) NetworkClass {
	best := NetworkNone
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") || len(iface.Addrs) == 0 {
			continue
		}
		class, ok := m.overrides[iface.Name]
		if !ok {
			class = classifyInterfaceName(iface.Name)
		}
		switch class {
		case NetworkWifi:
			return NetworkWifi
		case NetworkMobile:
			best = NetworkMobile
		}
	}
	return best
}

// classifyInterfaceName treats wired links as unmetered, like WIFI.
func classifyInterfaceName(name string) NetworkClass {
	n := strings.ToLower(name)
	for _, p := range []string{"ww", "rmnet", "ppp", "wwan", "ccmni"} {
		if strings.HasPrefix(n, p) {
			return NetworkMobile
		}
	}
	for _, p := range []string{"wl", "wifi", "en", "eth"} {
		if strings.HasPrefix(n, p) {
			return NetworkWifi
		}
	}
	return NetworkNone
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
