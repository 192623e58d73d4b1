// Package toolchain resolves cross toolchain binaries (addr2line, nm, gdb)
// across platforms: PATH first, then a fallback search of known SDK
// install directories that tools rarely add to PATH themselves. Ported
// from original_source's toolchain.py which_or_sdk.
package toolchain

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"ebridge/internal/ebridgeerr"
)

// WhichOrSDK finds a toolchain binary on PATH, falling back to known SDK
// install directories (Zephyr SDK, ESP-IDF) when the user hasn't added
// them to PATH.
func WhichOrSDK(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	if path, ok := findInSDKDirs(name); ok {
		return path, nil
	}
	return "", ebridgeerr.New("toolchain.WhichOrSDK", ebridgeerr.ExternalToolMissing, nil)
}

func findInSDKDirs(name string) (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}

	// Zephyr SDK: ~/zephyr-sdk-*/arm-zephyr-eabi/bin/<name>, newest first.
	if dirs, err := filepath.Glob(filepath.Join(home, "zephyr-sdk-*")); err == nil {
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
		for _, d := range dirs {
			candidate := filepath.Join(d, "arm-zephyr-eabi", "bin", name)
			if isFile(candidate) {
				return candidate, true
			}
		}
	}

	// ESP-IDF RISC-V toolchain: ~/.espressif/tools/riscv32-esp-elf-gdb/*/riscv32-esp-elf-gdb/bin/<name>.
	if dirs, err := filepath.Glob(filepath.Join(home, ".espressif", "tools", "riscv32-esp-elf-gdb", "*", "riscv32-esp-elf-gdb", "bin")); err == nil {
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
		for _, d := range dirs {
			candidate := filepath.Join(d, name)
			if isFile(candidate) {
				return candidate, true
			}
		}
	}

	// ESP-IDF Xtensa toolchain: ~/.espressif/tools/xtensa-*-elf-gdb/*/xtensa-*-elf-gdb/bin/<name>.
	if dirs, err := filepath.Glob(filepath.Join(home, ".espressif", "tools", "xtensa-*-elf-gdb", "*", "xtensa-*-elf-gdb", "bin")); err == nil {
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
		for _, d := range dirs {
			candidate := filepath.Join(d, name)
			if isFile(candidate) {
				return candidate, true
			}
		}
	}

	return "", false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
