package discovery

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"homie/pkg/model"
)

const gib = 1 << 30

// StatsFunc samples the capabilities advertised in each heartbeat.
type StatsFunc func() model.Resource

// LocalStats samples CPU, memory and the first NVIDIA GPU of this host.
// Failures leave the affected fields zero.
func LocalStats() model.Resource {
	var r model.Resource
	if vm, err := mem.VirtualMemory(); err == nil {
		r.RAMFreeGB = round2(float64(vm.Available) / gib)
		r.RAMTotalGB = round2(float64(vm.Total) / gib)
	}
	// interval 0: 与上一次调用之间的平均占用
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUIdlePercent = round2(100 - pct[0])
	}
	r.GPUName, r.GPUFreeGB = queryGPU()
	return r
}

// queryGPU asks nvidia-smi for the first GPU's name and free memory.
func queryGPU() (string, float64) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return "", 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.free", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return "", 0
	}
	return parseNvidiaSMI(out)
}

func parseNvidiaSMI(out []byte) (string, float64) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	if !sc.Scan() {
		return "", 0
	}
	name, freeMiB, ok := strings.Cut(sc.Text(), ",")
	if !ok {
		return "", 0
	}
	mib, err := strconv.ParseFloat(strings.TrimSpace(freeMiB), 64)
	if err != nil {
		mib = 0
	}
	return strings.TrimSpace(name), round2(mib / 1024)
}

// LocalIP returns the address of the interface holding the default route.
// No packet is sent; connecting a UDP socket only resolves the route.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
