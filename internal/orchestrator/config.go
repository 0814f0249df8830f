package orchestrator

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// loadTimeout reads /etc/boot_timeout.conf (spec §6): a single integer, or
// 0 (disabled) when the file is absent or unparsable.
func loadTimeout(prefix string) int {
	data, err := os.ReadFile(filepath.Join(prefix, "etc/boot_timeout.conf"))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// loadEFIVarsDisabled reads /etc/kernel/update_efi_vars (spec §6): content
// "no" or "false" disables EFI variable updates.
func loadEFIVarsDisabled(prefix string) bool {
	data, err := os.ReadFile(filepath.Join(prefix, "etc/kernel/update_efi_vars"))
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "no", "false":
		return true
	}
	return false
}
