package procutil

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
)

// ReadUint64 reads one word from the traced thread's memory.
func ReadUint64(tid int, addr uintptr) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := unix.PtracePeekData(tid, addr, buf); err != nil {
		return 0, fmt.Errorf("failed to read 0x%x (%d bytes) from TID %d: %w", addr, len(buf), tid, err)
	}
	return binary.NativeEndian.Uint64(buf), nil
}

// WaitForStopSignal waits until the given process stops and returns the
// stop signal.
func WaitForStopSignal(pid int) (int, unix.Signal, error) {
	var ws unix.WaitStatus
	wPid, err := unix.Wait4(pid, &ws, unix.WALL, nil)
	if err != nil {
		return 0, 0, err
	}
	if !ws.Stopped() {
		return 0, 0, fmt.Errorf("expected to be stopped (wPid=%d, ws=0x%x)", wPid, ws)
	}
	return wPid, ws.StopSignal(), nil
}

// Tasks returns the thread ids of the process, in ascending order.
func Tasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate threads of PID %d: %w", pid, err)
	}
	var tids []int
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}
