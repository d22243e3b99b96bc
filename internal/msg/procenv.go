package msg

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcEnv is a snapshot of the pushing process and its host, captured
// once at handshake time and stored with the client record. Every
// field is best-effort: probes that fail leave their field zero.
type ProcEnv struct {
	PID         int32    `json:"pid"`
	ExeName     string   `json:"exeName,omitempty"`
	Cmdline     string   `json:"cmdline,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	Platform    string   `json:"platform,omitempty"`
	KernelVer   string   `json:"kernelVersion,omitempty"`
	NumCPU      int      `json:"numCpu"`
	TotalMemory uint64   `json:"totalMemory,omitempty"`
	IfaceAddrs  []string `json:"ifaceAddrs,omitempty"`
}

// CaptureProcEnv probes the current process and host. It never fails:
// unavailable probes just leave gaps.
func CaptureProcEnv() *ProcEnv {
	env := &ProcEnv{
		PID:  int32(os.Getpid()),
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if hostname, err := os.Hostname(); err == nil {
		env.Hostname = hostname
	}
	if exe, err := os.Executable(); err == nil {
		env.ExeName = exe
	}
	if proc, err := process.NewProcess(env.PID); err == nil {
		if cmdline, err := proc.Cmdline(); err == nil {
			env.Cmdline = cmdline
		}
	}
	if info, err := host.Info(); err == nil {
		env.Platform = info.Platform
		env.KernelVer = info.KernelVersion
	}
	if n, err := cpu.Counts(true); err == nil {
		env.NumCPU = n
	} else {
		env.NumCPU = runtime.NumCPU()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		env.TotalMemory = vm.Total
	}
	if ifaces, err := gopsnet.Interfaces(); err == nil {
		for _, iface := range ifaces {
			for _, addr := range iface.Addrs {
				env.IfaceAddrs = append(env.IfaceAddrs, addr.Addr)
			}
		}
	}

	return env
}
