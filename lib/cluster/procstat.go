// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// clockTicksPerSecond is USER_HZ, which Linux fixes at 100 for the
// values exported through /proc.
const clockTicksPerSecond = 100

// processSample is one reading of the worker's own resource usage.
// A zero sample means procfs was unavailable.
type processSample struct {
	cpuTicks uint64
	threads  int
	rssBytes uint64
}

func readProcessSample() processSample {
	return readProcessSampleFrom("/proc/self")
}

// readProcessSampleFrom reads stat and status under procDir. Fields
// that cannot be parsed stay zero.
func readProcessSampleFrom(procDir string) processSample {
	var sample processSample

	if data, err := os.ReadFile(filepath.Join(procDir, "stat")); err == nil {
		// The command name in field 2 may contain spaces and
		// parentheses; everything after the last ')' is
		// space-separated, starting with field 3 (state).
		line := string(data)
		if end := strings.LastIndexByte(line, ')'); end >= 0 {
			fields := strings.Fields(line[end+1:])
			// utime is field 14, stime 15, num_threads 20.
			if len(fields) > 17 {
				utime, _ := strconv.ParseUint(fields[11], 10, 64)
				stime, _ := strconv.ParseUint(fields[12], 10, 64)
				sample.cpuTicks = utime + stime
				sample.threads, _ = strconv.Atoi(fields[17])
			}
		}
	}

	if file, err := os.Open(filepath.Join(procDir, "status")); err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			// VmRSS:	   12345 kB
			if len(fields) >= 2 && fields[0] == "VmRSS:" {
				kilobytes, err := strconv.ParseUint(fields[1], 10, 64)
				if err == nil {
					sample.rssBytes = kilobytes * 1024
				}
				break
			}
		}
	}
	return sample
}

// cpuPercent computes the share of one core used between two samples
// taken elapsed apart. Returns 0 without a usable baseline.
func cpuPercent(previous, current processSample, elapsed time.Duration) float64 {
	if elapsed <= 0 || current.cpuTicks < previous.cpuTicks || previous.cpuTicks == 0 {
		return 0
	}
	busySeconds := float64(current.cpuTicks-previous.cpuTicks) / clockTicksPerSecond
	return busySeconds / elapsed.Seconds() * 100
}
