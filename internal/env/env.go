package env

import (
	"net"
	"os"
	"runtime"
	"time"
)

// DeviceInfo describes the host a presence record was written from.
type DeviceInfo struct {
	Platform string `json:"platform"`
	Hostname string `json:"hostname,omitempty"`
	Client   string `json:"client,omitempty"`
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool
}

// Environment is the host capability the core depends on instead of
// reaching for process globals.
type Environment interface {
	Now() time.Time
	DeviceInfo() DeviceInfo
	IsOnline() bool
	AfterFunc(d time.Duration, f func()) Timer
}

// System is the Environment backed by the real clock and host.
type System struct {
	device DeviceInfo
}

// NewSystem returns an Environment for the running process. client names the
// program reported in DeviceInfo.
func NewSystem(client string) *System {
	host, _ := os.Hostname()
	return &System{
		device: DeviceInfo{
			Platform: runtime.GOOS + "/" + runtime.GOARCH,
			Hostname: host,
			Client:   client,
		},
	}
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) DeviceInfo() DeviceInfo { return s.device }

// IsOnline reports whether any non-loopback interface is up.
func (s *System) IsOnline() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}

func (s *System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
