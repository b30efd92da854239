package inu

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// SystemInfo is a snapshot of the process, shown by the `sys` command
// and the health endpoint
type SystemInfo struct {
	Version    string    `json:"version"`
	CommitSHA  string    `json:"commit_sha"`
	StartedAt  time.Time `json:"started_at"`
	GoVersion  string    `json:"go_version"`
	Goroutines int       `json:"goroutines"`
	HeapAlloc  uint64    `json:"heap_alloc"`
	SysMemory  uint64    `json:"sys_memory"`
	Backend    string    `json:"backend"`
	Connected  bool      `json:"connected"`
	InFlight   int64     `json:"in_flight"`
}

func collectSystemInfo(startedAt time.Time, backend string, connected bool, inFlight int64) SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemInfo{
		Version:    Version,
		CommitSHA:  CommitSHA,
		StartedAt:  startedAt,
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		SysMemory:  mem.Sys,
		Backend:    backend,
		Connected:  connected,
		InFlight:   inFlight,
	}
}

// Reply renders the snapshot for chat
func (s SystemInfo) Reply() Reply {
	gateway := "disconnected"
	if s.Connected {
		gateway = "connected"
	}
	return Reply{
		Title: "inu " + s.Version,
		Fields: []ReplyField{
			{Name: "Commit", Value: s.CommitSHA},
			{Name: "Up since", Value: humanize.Time(s.StartedAt)},
			{Name: "Go", Value: fmt.Sprintf("%s (%d goroutines)", s.GoVersion, s.Goroutines)},
			{
				Name: "Memory",
				Value: fmt.Sprintf(
					"%s heap, %s reserved",
					humanize.IBytes(s.HeapAlloc),
					humanize.IBytes(s.SysMemory),
				),
			},
			{Name: "Storage", Value: s.Backend},
			{Name: "Gateway", Value: gateway},
			{Name: "Running commands", Value: humanize.Comma(s.InFlight)},
		},
	}
}
