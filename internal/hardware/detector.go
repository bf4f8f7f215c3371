// Package hardware discovers RDMA devices through sysfs.
//
// Discovery needs no verbs library and works for devices the process is not
// allowed to open, so operators can list what the host offers before picking
// a device name for the resource manager.
package hardware

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSysfsRoot is where the kernel exposes RDMA devices.
const DefaultSysfsRoot = "/sys/class/infiniband"

// PortInfo describes one port of an RDMA device.
type PortInfo struct {
	LinkLayer string `json:"link_layer" yaml:"link_layer"` // InfiniBand, Ethernet
	State     string `json:"state" yaml:"state"`           // ACTIVE, DOWN, ...
	PhysState string `json:"phys_state" yaml:"phys_state"` // LinkUp, Disabled, ...
	Rate      string `json:"rate" yaml:"rate"`
	Speed     uint64 `json:"speed" yaml:"speed"` // Gb/s
	Number    int    `json:"number" yaml:"number"`
	LID       uint16 `json:"lid" yaml:"lid"`
}

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name" yaml:"name"`
	DevicePath   string     `json:"device_path" yaml:"device_path"`
	NodeGUID     string     `json:"node_guid" yaml:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid" yaml:"sys_image_guid"`
	BoardID      string     `json:"board_id" yaml:"board_id"`
	FirmwareVer  string     `json:"firmware_version" yaml:"firmware_version"`
	NodeType     string     `json:"node_type" yaml:"node_type"` // CA, Switch, Router
	Ports        []PortInfo `json:"ports" yaml:"ports"`
}

// Active reports whether any port of the device is ACTIVE.
func (r RDMAInfo) Active() bool {
	for _, p := range r.Ports {
		if p.State == "ACTIVE" {
			return true
		}
	}

	return false
}

// Detector handles RDMA device discovery.
type Detector struct {
	lastUpdated time.Time
	root        string
	devices     []RDMAInfo
	mu          sync.RWMutex
}

// NewDetector creates a detector reading root, or DefaultSysfsRoot when
// root is empty.
func NewDetector(root string) *Detector {
	if root == "" {
		root = DefaultSysfsRoot
	}

	return &Detector{root: root}
}

// Refresh rescans sysfs and returns the devices found.
func (d *Detector) Refresh() []RDMAInfo {
	devices := d.detectRDMADevices()

	d.mu.Lock()
	d.devices = devices
	d.lastUpdated = time.Now()
	d.mu.Unlock()

	log.Debug().Int("devices", len(devices)).Str("root", d.root).Msg("Refreshed RDMA device list")

	return devices
}

// Devices returns the devices found by the last Refresh.
func (d *Detector) Devices() []RDMAInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]RDMAInfo(nil), d.devices...)
}

// LastUpdated returns the time of the last Refresh.
func (d *Detector) LastUpdated() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.lastUpdated
}

// BestDevice returns the device with the fastest ACTIVE port.
func (d *Detector) BestDevice() (RDMAInfo, bool) {
	var (
		best     RDMAInfo
		maxSpeed uint64
		found    bool
	)

	for _, dev := range d.Devices() {
		for _, p := range dev.Ports {
			if p.State == "ACTIVE" && (!found || p.Speed > maxSpeed) {
				best, maxSpeed, found = dev, p.Speed, true
			}
		}
	}

	return best, found
}

func (d *Detector) detectRDMADevices() []RDMAInfo {
	devices := make([]RDMAInfo, 0)

	entries, err := os.ReadDir(d.root)
	if err != nil {
		log.Debug().Err(err).Msg("No RDMA devices found in sysfs")
		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(d.root, entry.Name())
		device := RDMAInfo{
			Name:         entry.Name(),
			DevicePath:   devicePath,
			NodeGUID:     d.readSysfsFile(filepath.Join(devicePath, "node_guid")),
			SysImageGUID: d.readSysfsFile(filepath.Join(devicePath, "sys_image_guid")),
			BoardID:      d.readSysfsFile(filepath.Join(devicePath, "board_id")),
			FirmwareVer:  d.readSysfsFile(filepath.Join(devicePath, "fw_ver")),
			NodeType:     d.parseNodeType(d.readSysfsFile(filepath.Join(devicePath, "node_type"))),
			Ports:        d.detectPorts(filepath.Join(devicePath, "ports")),
		}

		devices = append(devices, device)
	}

	return devices
}

func (d *Detector) detectPorts(portsPath string) []PortInfo {
	ports := make([]PortInfo, 0)

	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return ports
	}

	for _, entry := range entries {
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		portPath := filepath.Join(portsPath, entry.Name())
		rate := d.readSysfsFile(filepath.Join(portPath, "rate"))

		ports = append(ports, PortInfo{
			Number:    num,
			LinkLayer: d.readSysfsFile(filepath.Join(portPath, "link_layer")),
			State:     d.parseState(d.readSysfsFile(filepath.Join(portPath, "state"))),
			PhysState: d.parseState(d.readSysfsFile(filepath.Join(portPath, "phys_state"))),
			Rate:      rate,
			Speed:     d.parseSpeed(rate),
			LID:       d.parseLID(d.readSysfsFile(filepath.Join(portPath, "lid"))),
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	return ports
}

func (d *Detector) readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts "1: CA" style node types to their name.
func (d *Detector) parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseState strips the numeric prefix of "4: ACTIVE" style states.
func (d *Detector) parseState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}

	return state
}

// parseSpeed parses "100 Gb/sec (4X EDR)" to 100.
func (d *Detector) parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, err := strconv.ParseFloat(parts[0], 64)
		if err == nil {
			return uint64(speed)
		}
	}

	return 0
}

// parseLID parses the hexadecimal LID file.
func (d *Detector) parseLID(lid string) uint16 {
	v, err := strconv.ParseUint(strings.TrimPrefix(lid, "0x"), 16, 16)
	if err != nil {
		return 0
	}

	return uint16(v)
}
