// Package config loads and validates the boot configuration of the kernel.
//
// The configuration is a JSON document. Every field has a default so an
// empty document (or no document at all) yields a bootable configuration.
// Durations are given in milliseconds and converted to timer ticks with
// Config.Ticks once the timer frequency is known.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net"
)

// Console kinds understood by the launcher. Any other value is treated as
// the path of a serial device.
const (
	ConsoleStdout = "stdout"
	ConsoleTTY    = "tty"
)

// NIC drivers known to the hardware probe.
const (
	NICDriverTap  = "tap"
	NICDriverPipe = "pipe"
)

// Memory describes the hosted physical RAM.
type Memory struct {
	SizeMB uint32 `json:"size_mb"`
}

// KernelImage describes the sections of the kernel image that are mapped
// into every address space.
type KernelImage struct {
	TextKB uint32 `json:"text_kb"`
	DataKB uint32 `json:"data_kb"`

	// CmdLine is passed to the kernel in the boot information block.
	CmdLine string `json:"cmdline"`
}

// Timer configures the periodic timer and the scheduler time slice.
type Timer struct {
	FrequencyHz    uint32 `json:"frequency_hz"`
	TimeSliceTicks uint32 `json:"time_slice_ticks"`
}

// NIC selects and configures the network driver.
type NIC struct {
	Driver string `json:"driver"`
	Device string `json:"device"`
	MAC    string `json:"mac"`
	RxRing int    `json:"rx_ring"`
	TxRing int    `json:"tx_ring"`
}

// Network holds the interface addressing. When DHCP is enabled the static
// addresses are ignored until a lease is obtained.
type Network struct {
	DHCP                bool     `json:"dhcp"`
	DHCPRetries         int      `json:"dhcp_retries"`
	DHCPRetryIntervalMs uint32   `json:"dhcp_retry_interval_ms"`
	Address             string   `json:"address"`
	Netmask             string   `json:"netmask"`
	Gateway             string   `json:"gateway"`
	DNS                 string   `json:"dns"`
	Aliases             []string `json:"aliases"`
}

// ARP tunes the address resolution cache.
type ARP struct {
	CacheSize       int    `json:"cache_size"`
	EntryTimeoutMs  uint32 `json:"entry_timeout_ms"`
	Retries         int    `json:"retries"`
	RetryIntervalMs uint32 `json:"retry_interval_ms"`
	PendingLimit    int    `json:"pending_limit"`
}

// TCP tunes the transmission control protocol.
type TCP struct {
	MSS            int    `json:"mss"`
	SendBuffer     int    `json:"send_buffer"`
	RecvBuffer     int    `json:"recv_buffer"`
	InitialRTOMs   uint32 `json:"initial_rto_ms"`
	MaxRTOMs       uint32 `json:"max_rto_ms"`
	MaxRetransmits int    `json:"max_retransmits"`
	TimeWaitMs     uint32 `json:"time_wait_ms"`
	OOOSegments    int    `json:"ooo_segments"`
	Backlog        int    `json:"backlog"`
	MaxConns       int    `json:"max_conns"`
}

// UDP tunes the user datagram protocol.
type UDP struct {
	RecvQueue int `json:"recv_queue"`
}

// Init describes the request issued by the init task of the launcher.
type Init struct {
	Target string `json:"target"`
	Port   uint16 `json:"port"`
	Host   string `json:"host"`
	Path   string `json:"path"`
}

// Config is the boot configuration.
type Config struct {
	Memory  Memory      `json:"memory"`
	Kernel  KernelImage `json:"kernel"`
	Timer   Timer       `json:"timer"`
	Console string      `json:"console"`
	NIC     NIC         `json:"nic"`
	Network Network     `json:"network"`
	ARP     ARP         `json:"arp"`
	TCP     TCP         `json:"tcp"`
	UDP     UDP         `json:"udp"`
	Init    Init        `json:"init"`
}

var (
	errDecode      = &kernel.Error{Module: "config", Message: "malformed configuration document"}
	errOpen        = &kernel.Error{Module: "config", Message: "unable to read configuration file"}
	errMemorySize  = &kernel.Error{Module: "config", Message: "memory size must be between 4 and 4096 MiB"}
	errTimer       = &kernel.Error{Module: "config", Message: "timer frequency and time slice must be positive"}
	errKernelImage = &kernel.Error{Module: "config", Message: "kernel image sections must be non-empty"}
	errNICDriver   = &kernel.Error{Module: "config", Message: "unknown NIC driver"}
	errNICRing     = &kernel.Error{Module: "config", Message: "NIC rings must hold at least one descriptor"}
	errMAC         = &kernel.Error{Module: "config", Message: "malformed NIC MAC address"}
	errAddress     = &kernel.Error{Module: "config", Message: "malformed network address"}
	errDHCP        = &kernel.Error{Module: "config", Message: "DHCP retries and retry interval must be positive"}
	errARP         = &kernel.Error{Module: "config", Message: "ARP limits must be positive"}
	errTCPBuffers  = &kernel.Error{Module: "config", Message: "TCP buffers must hold at least one MSS"}
	errTCPTimers   = &kernel.Error{Module: "config", Message: "TCP timers must be positive and the initial RTO may not exceed the maximum"}
	errTCPLimits   = &kernel.Error{Module: "config", Message: "TCP limits must be positive"}
	errUDPQueue    = &kernel.Error{Module: "config", Message: "UDP receive queue must be positive"}
	errInitTarget  = &kernel.Error{Module: "config", Message: "init target must be an IPv4 address"}
)

// Default returns the configuration used when no document is supplied. It
// matches the user-mode network of common emulators.
func Default() *Config {
	return &Config{
		Memory:  Memory{SizeMB: 32},
		Kernel:  KernelImage{TextKB: 1024, DataKB: 256},
		Timer:   Timer{FrequencyHz: 100, TimeSliceTicks: 1},
		Console: ConsoleStdout,
		NIC: NIC{
			Driver: NICDriverTap,
			Device: "tap0",
			MAC:    "52:54:00:12:34:56",
			RxRing: 64,
			TxRing: 64,
		},
		Network: Network{
			DHCP:                false,
			DHCPRetries:         4,
			DHCPRetryIntervalMs: 2000,
			Address:             "10.0.2.15",
			Netmask:             "255.255.255.0",
			Gateway:             "10.0.2.2",
			DNS:                 "10.0.2.3",
		},
		ARP: ARP{
			CacheSize:       32,
			EntryTimeoutMs:  300000,
			Retries:         3,
			RetryIntervalMs: 1000,
			PendingLimit:    16,
		},
		TCP: TCP{
			MSS:            1460,
			SendBuffer:     16384,
			RecvBuffer:     16384,
			InitialRTOMs:   1000,
			MaxRTOMs:       60000,
			MaxRetransmits: 5,
			TimeWaitMs:     4000,
			OOOSegments:    8,
			Backlog:        4,
			MaxConns:       32,
		},
		UDP: UDP{RecvQueue: 16},
		Init: Init{
			Target: "93.184.216.34",
			Port:   80,
			Host:   "example.com",
			Path:   "/",
		},
	}
}

// Load decodes a configuration document from r on top of the defaults and
// validates the result.
func Load(r io.Reader) (*Config, *kernel.Error) {
	cfg := Default()

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, &kernel.Error{Module: errDecode.Module, Message: errDecode.Message + ": " + err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads the configuration stored at path. References to
// environment variables (${NAME}) are expanded before decoding.
func LoadFile(path string) (*Config, *kernel.Error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &kernel.Error{Module: errOpen.Module, Message: errOpen.Message + ": " + err.Error()}
	}

	return Load(bytes.NewBufferString(os.ExpandEnv(string(data))))
}

// Validate checks the configuration for values the kernel cannot boot with.
func (c *Config) Validate() *kernel.Error {
	switch {
	case c.Memory.SizeMB < 4 || c.Memory.SizeMB > 4096:
		return errMemorySize
	case c.Kernel.TextKB == 0 || c.Kernel.DataKB == 0:
		return errKernelImage
	case c.Timer.FrequencyHz == 0 || c.Timer.TimeSliceTicks == 0:
		return errTimer
	case c.NIC.Driver != NICDriverTap && c.NIC.Driver != NICDriverPipe:
		return errNICDriver
	case c.NIC.RxRing <= 0 || c.NIC.TxRing <= 0:
		return errNICRing
	}

	if _, err := c.HardwareAddr(); err != nil {
		return err
	}

	addrs := append([]string{c.Network.Address, c.Network.Netmask, c.Network.Gateway, c.Network.DNS}, c.Network.Aliases...)
	for _, addr := range addrs {
		if _, err := net.ParseIPv4(addr); err != nil {
			return errAddress
		}
	}

	if c.Network.DHCP && (c.Network.DHCPRetries <= 0 || c.Network.DHCPRetryIntervalMs == 0) {
		return errDHCP
	}

	if c.ARP.CacheSize <= 0 || c.ARP.Retries <= 0 || c.ARP.PendingLimit <= 0 ||
		c.ARP.EntryTimeoutMs == 0 || c.ARP.RetryIntervalMs == 0 {
		return errARP
	}

	switch {
	case c.TCP.MSS <= 0 || c.TCP.SendBuffer < c.TCP.MSS || c.TCP.RecvBuffer < c.TCP.MSS:
		return errTCPBuffers
	case c.TCP.InitialRTOMs == 0 || c.TCP.MaxRTOMs < c.TCP.InitialRTOMs || c.TCP.TimeWaitMs == 0:
		return errTCPTimers
	case c.TCP.MaxRetransmits <= 0 || c.TCP.OOOSegments < 0 || c.TCP.Backlog <= 0 || c.TCP.MaxConns <= 0:
		return errTCPLimits
	case c.UDP.RecvQueue <= 0:
		return errUDPQueue
	}

	if _, err := net.ParseIPv4(c.Init.Target); err != nil {
		return errInitTarget
	}

	return nil
}

// HardwareAddr returns the parsed NIC MAC address.
func (c *Config) HardwareAddr() (net.HardwareAddr, *kernel.Error) {
	mac, err := net.ParseHardwareAddr(c.NIC.MAC)
	if err != nil {
		return mac, errMAC
	}
	return mac, nil
}

// Ticks converts a duration in milliseconds to timer ticks, rounding up.
// Non-zero durations always last at least one tick.
func (c *Config) Ticks(ms uint32) uint64 {
	hz := uint64(c.Timer.FrequencyHz)
	return (uint64(ms)*hz + 999) / 1000
}

// TickDuration returns the length of a timer tick in milliseconds.
func (c *Config) TickDuration() uint32 {
	if c.Timer.FrequencyHz >= 1000 {
		return 1
	}
	return 1000 / c.Timer.FrequencyHz
}
