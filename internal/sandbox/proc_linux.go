package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// clockTicksPerSec is sysconf(_SC_CLK_TCK); 100 on every Linux kernel/arch
// combination we target.
const clockTicksPerSec = 100

// procStat is the subset of /proc/<pid>/stat this package reads.
type procStat struct {
	pid   int
	pgrp  int
	utime int64 // clock ticks
	stime int64 // clock ticks
}

// readProcStat parses /proc/<pid>/stat. Field layout per proc(5); the comm
// field is parenthesized and may itself contain spaces/parens, so fields
// are located relative to the last ')' rather than by splitting naively.
func readProcStat(pid int) (procStat, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	s := string(b)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return procStat{}, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	rest := strings.Fields(s[close+2:])
	// rest[0] = state, rest[1] = ppid, rest[2] = pgrp, rest[11] = utime, rest[12] = stime
	if len(rest) < 13 {
		return procStat{}, fmt.Errorf("short /proc/%d/stat", pid)
	}
	pgrp, err := strconv.Atoi(rest[2])
	if err != nil {
		return procStat{}, err
	}
	utime, err := strconv.ParseInt(rest[11], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	stime, err := strconv.ParseInt(rest[12], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	return procStat{pid: pid, pgrp: pgrp, utime: utime, stime: stime}, nil
}

// readProcRSSBytes reads the resident set size of pid from
// /proc/<pid>/status (VmRSS, reported in kB).
func readProcRSSBytes(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed VmRSS line")
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, nil
}

// listGroupPIDs scans /proc for every pid currently in process group pgid.
// This is how the monitor accounts for CPU/RSS used by descendants that
// double-fork away from the direct child (§4.4 "CPU time used by the
// child and any descendants").
func listGroupPIDs(pgid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		st, err := readProcStat(pid)
		if err != nil {
			continue
		}
		if st.pgrp == pgid {
			pids = append(pids, pid)
		}
	}
	return pids
}

// groupCPUTimeMS sums CPU time (user+sys) across every process in pgid.
func groupCPUTimeMS(pgid int) int64 {
	var totalTicks int64
	for _, pid := range listGroupPIDs(pgid) {
		st, err := readProcStat(pid)
		if err != nil {
			continue
		}
		totalTicks += st.utime + st.stime
	}
	return totalTicks * 1000 / clockTicksPerSec
}

// groupRSSBytes sums resident memory across every process in pgid.
func groupRSSBytes(pgid int) int64 {
	var total int64
	for _, pid := range listGroupPIDs(pgid) {
		rss, err := readProcRSSBytes(pid)
		if err != nil {
			continue
		}
		total += rss
	}
	return total
}
