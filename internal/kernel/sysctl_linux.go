// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package kernel

import (
	"os"
	"strconv"
	"strings"
)

func sysctlReadInt(path string) (int, error) {
	b, err := os.ReadFile("/proc/sys/" + path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func sysctlWriteInt(path string, v int) error {
	return os.WriteFile("/proc/sys/"+path, []byte(strconv.Itoa(v)), 0o644)
}
