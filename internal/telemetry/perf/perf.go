// Package perf holds the latest performance snapshot reported by the host and the static device descriptors.
package perf

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/telemetry/domain"
)

// headMovementFloor is the smoothed angular speed (deg/s) below which the head is considered still.
const headMovementFloor = 0.1

// Snapshot is one sample of runtime performance.
type Snapshot struct {
	// HeadMovement is the headset angular speed in degrees per second.
	HeadMovement float64 `json:"headMovement"`
	FPS          float64 `json:"fps"`
	CPUUsage     float64 `json:"cpuUsage"`
	GPUUsage     float64 `json:"gpuUsage"`
	// RAMUsage is allocated memory in MB.
	RAMUsage float64 `json:"ramUsage"`
}

// Device holds descriptors that do not change while the process runs.
type Device struct {
	CPU       string `json:"cpu"`
	GPU       string `json:"gpu"`
	RAM       string `json:"ram"`
	OS        string `json:"os"`
	VRHeadset string `json:"vr_headset"`
}

// Provider supplies the current snapshot. ok is false when nothing has been sampled yet.
type Provider interface {
	TryGetMetrics() (Snapshot, bool)
}

// DeviceProvider supplies the static device descriptors.
type DeviceProvider interface {
	Device() Device
}

// Holder stores the snapshot most recently pushed by the host process. Safe for concurrent use.
type Holder struct {
	snap   atomic.Pointer[Snapshot]
	device atomic.Pointer[Device]
}

// NewHolder returns a Holder with device descriptors and no snapshot.
func NewHolder(device Device) *Holder {
	h := &Holder{}
	h.SetDevice(device)
	return h
}

// Update stores s after clamping. Head movement is smoothed against the previous sample
// (halfway lerp) and reported as 0 below 0.1 deg/s.
func (h *Holder) Update(s Snapshot) Snapshot {
	s.CPUUsage = clampPercent(s.CPUUsage)
	s.GPUUsage = clampPercent(s.GPUUsage)
	s.FPS = nonNegative(s.FPS)
	s.RAMUsage = nonNegative(s.RAMUsage)
	head := nonNegative(s.HeadMovement)
	if prev := h.snap.Load(); prev != nil {
		head = prev.HeadMovement + (head-prev.HeadMovement)*0.5
	}
	if head < headMovementFloor {
		head = 0
	}
	s.HeadMovement = head
	h.snap.Store(&s)
	return s
}

// TryGetMetrics returns the latest snapshot.
func (h *Holder) TryGetMetrics() (Snapshot, bool) {
	if h == nil {
		return Snapshot{}, false
	}
	p := h.snap.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

// SetDevice replaces the device descriptors; empty fields become "N/A".
func (h *Holder) SetDevice(d Device) {
	d.CPU = orNA(d.CPU)
	d.GPU = orNA(d.GPU)
	d.RAM = orNA(d.RAM)
	d.OS = orNA(d.OS)
	if d.VRHeadset == "" {
		d.VRHeadset = "None"
	}
	h.device.Store(&d)
}

// Device returns the current descriptors.
func (h *Holder) Device() Device {
	if h == nil {
		return Device{}
	}
	if p := h.device.Load(); p != nil {
		return *p
	}
	return Device{}
}

// HostDevice describes the machine the agent runs on. The host process may override it with SetDevice.
func HostDevice(vrHeadset string, memoryMB int) Device {
	d := Device{
		CPU:       fmt.Sprintf("%s (%d cores)", runtime.GOARCH, runtime.NumCPU()),
		OS:        runtime.GOOS,
		VRHeadset: vrHeadset,
	}
	if memoryMB > 0 {
		d.RAM = FormatMemory(memoryMB)
	}
	return d
}

// FormatMemory renders a memory size descriptor, e.g. "16384 MB".
func FormatMemory(mb int) string {
	return fmt.Sprintf("%d MB", mb)
}

// EstimateGPUUsage approximates GPU load from how far fps falls below the display refresh rate.
// Returns 0 when refreshHz is not positive.
func EstimateGPUUsage(fps, refreshHz float64) float64 {
	if refreshHz <= 0 {
		return 0
	}
	return clampPercent((1 - fps/refreshHz) * 100)
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func orNA(s string) string {
	if s == "" {
		return domain.NotAvailable
	}
	return s
}
