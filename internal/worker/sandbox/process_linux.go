package sandbox

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const nobody = 65534

// harden drops privileges and detaches the network. Only root may do either.
func harden(cmd *exec.Cmd) {
	if os.Geteuid() != 0 {
		return
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: nobody, Gid: nobody}
	cmd.SysProcAttr.Cloneflags = unix.CLONE_NEWNET
}

// applyLimits caps address space and lowers scheduling priority. Without
// cgroups this approximates the container's memory and CPU-share limits.
func applyLimits(pid int, l Limits) error {
	if l.MemoryBytes > 0 {
		lim := &unix.Rlimit{Cur: uint64(l.MemoryBytes), Max: uint64(l.MemoryBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
			return err
		}
	}
	if l.CPUs > 0 {
		return unix.Setpriority(unix.PRIO_PROCESS, pid, 10)
	}
	return nil
}
