package monitor

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics 进程资源快照
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	ProcessID     int       `json:"process_id"`
	CPUPercent    float64   `json:"cpu_percent"` // 距上次采样的平均占用
	RSSBytes      uint64    `json:"rss_bytes"`
	MemoryPercent float64   `json:"memory_percent"`
	Threads       int32     `json:"threads"`
}

// ProcessSampler 复用同一个进程句柄，CPU 占用按两次采样之间的差值计算
type ProcessSampler struct {
	mu   sync.Mutex
	pid  int
	proc *process.Process
	last time.Time
}

// NewProcessSampler 为当前进程创建采样器
func NewProcessSampler() (*ProcessSampler, error) {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, errors.Wrap(err, "获取进程失败")
	}
	return &ProcessSampler{pid: pid, proc: p}, nil
}

// Sample 采集一次快照；首次采样的 CPU 占用为进程启动以来的平均值
func (s *ProcessSampler) Sample() (*SystemMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var cpuPercent float64
	var err error
	if s.last.IsZero() {
		cpuPercent, err = s.proc.CPUPercent()
	} else {
		cpuPercent, err = s.proc.Percent(0)
	}
	if err != nil {
		return nil, errors.Wrap(err, "获取CPU占用率失败")
	}
	s.last = now

	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		return nil, errors.Wrap(err, "获取内存信息失败")
	}

	out := &SystemMetrics{
		Timestamp:  now,
		ProcessID:  s.pid,
		CPUPercent: cpuPercent,
		RSSBytes:   memInfo.RSS,
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		out.MemoryPercent = float64(memInfo.RSS) / float64(vm.Total) * 100
	}
	if n, err := s.proc.NumThreads(); err == nil {
		out.Threads = n
	}
	return out, nil
}
