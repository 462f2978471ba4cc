package models

import (
	"time"
)

// WorkerType represents the class of machine a worker runs on
type WorkerType string

const (
	WorkerTypeServer  WorkerType = "server"
	WorkerTypeDesktop WorkerType = "desktop"
	WorkerTypeLaptop  WorkerType = "laptop"
)

// Worker represents a registered compute worker in the ensemble
type Worker struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"` // human-friendly name (hostname)
	Address       string            `json:"address"`
	Type          WorkerType        `json:"type"`
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	Labels        map[string]string `json:"labels,omitempty"`
	Status        string            `json:"status"` // "available", "busy", "offline"
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
	CurrentRunID  string            `json:"current_run_id,omitempty"`
	EvalsDone     int               `json:"evals_done"`
}

// WorkerRegistration represents a worker registration request
type WorkerRegistration struct {
	Address       string            `json:"address"`
	Type          WorkerType        `json:"type"`
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// RegisteredWorker is the manager's response to a registration request.
// The token authenticates the worker's subsequent requests.
type RegisteredWorker struct {
	Worker *Worker `json:"worker"`
	Token  string  `json:"token,omitempty"`
}

// WorkerCapabilities represents the detected capabilities of a worker host
type WorkerCapabilities struct {
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	Labels        map[string]string `json:"labels,omitempty"`
}
