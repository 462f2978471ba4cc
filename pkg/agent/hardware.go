package agent

import (
	"os"
	"runtime"
	"strings"

	"github.com/psantana5/ensembled/pkg/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// ServerDetectionMinThreads is the minimum CPU threads for server classification
	ServerDetectionMinThreads = 16
	// ServerDetectionMinRAMGB is the minimum RAM in GB for server classification
	ServerDetectionMinRAMGB = 32
)

// DetectHardware detects the hardware capabilities of the current system
func DetectHardware() (*models.WorkerCapabilities, error) {
	caps := &models.WorkerCapabilities{
		CPUThreads: runtime.NumCPU(),
		CPUModel:   "Unknown",
		Labels:     make(map[string]string),
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		caps.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		caps.RAMTotalBytes = vm.Total
	}

	caps.Labels["os"] = runtime.GOOS
	caps.Labels["arch"] = runtime.GOARCH

	return caps, nil
}

// ClassifyWorker picks a worker type from detected capabilities
func ClassifyWorker(caps *models.WorkerCapabilities) models.WorkerType {
	if hasLaptopBattery() {
		return models.WorkerTypeLaptop
	}
	ramGB := caps.RAMTotalBytes >> 30
	if caps.CPUThreads >= ServerDetectionMinThreads && ramGB >= ServerDetectionMinRAMGB {
		return models.WorkerTypeServer
	}
	return models.WorkerTypeDesktop
}

func hasLaptopBattery() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	entries, err := os.ReadDir("/sys/class/power_supply")
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if strings.Contains(strings.ToUpper(entry.Name()), "BAT") {
			return true
		}
	}
	return false
}

// Registration builds a registration request from detected hardware
func Registration(address string, caps *models.WorkerCapabilities) *models.WorkerRegistration {
	return &models.WorkerRegistration{
		Address:       address,
		Type:          ClassifyWorker(caps),
		CPUThreads:    caps.CPUThreads,
		CPUModel:      caps.CPUModel,
		RAMTotalBytes: caps.RAMTotalBytes,
		Labels:        caps.Labels,
	}
}
