// Package efivars wraps github.com/canonical/go-efilib for the two things
// the engine needs from EFI variables: discovering LoaderDevicePartUUID
// (ESP discovery) and creating/reusing a Boot#### entry for the
// shim+systemd-boot backend. Grounded on the original's src/bootloaders/*
// EFI-variable calls, generalized to go-efilib's API shape.
package efivars

import (
	"fmt"
	"strings"

	efi "github.com/canonical/go-efilib"
)

// Disabled lets callers honour /etc/kernel/update_efi_vars (spec §6): when
// set, EFI variable writes are skipped entirely and boot-entry creation
// becomes a no-op success.
type Disabled bool

// listVariables/readVariable/writeVariable seam over go-efilib, swapped out
// under CBM_BOOTVAR_TEST_MODE (spec §6) so tests and CI containers without
// real EFI firmware never touch /sys/firmware/efi/efivars.
var (
	listVariables = efi.ListVariables
	readVariable  = efi.ReadVariable
	writeVariable = efi.WriteVariable
)

// UseFakeStore points every call in this package at an in-memory variable
// store instead of the real firmware, for CBM_BOOTVAR_TEST_MODE.
func UseFakeStore(store *FakeStore) {
	listVariables = store.listVariables
	readVariable = store.readVariable
	writeVariable = store.writeVariable
}

// LoaderDevicePartUUID scans the efi variable list for the first
// LoaderDevicePartUUID-<guid> entry and returns its UCS-2-decoded payload
// as-is; it does not lowercase or strip the result.
func LoaderDevicePartUUID() (string, bool) {
	vars, err := listVariables()
	if err != nil {
		return "", false
	}
	for _, v := range vars {
		if !strings.HasPrefix(v.Name, "LoaderDevicePartUUID") {
			continue
		}
		data, _, err := readVariable(v.Name, v.GUID)
		if err != nil {
			continue
		}
		return decodeUCS2(data), true
	}
	return "", false
}

// EnsureBootEntry creates a Boot#### variable pointing at devicePath
// with the given description, reusing an existing equivalent entry instead
// of creating a duplicate (spec §4.6 shim+systemd-boot backend: "idempotent:
// if an equivalent entry exists, reuse it").
func EnsureBootEntry(description string, devicePath efi.DevicePath, disabled Disabled) error {
	if disabled {
		return nil
	}

	option := efi.LoadOption{
		Attributes:  efi.LoadOptionActive | efi.LoadOptionCategoryBoot,
		Description: description,
		FilePath:    devicePath,
	}
	data, err := option.Bytes()
	if err != nil {
		return fmt.Errorf("efivars: encode load option: %w", err)
	}

	vars, err := listVariables()
	if err != nil {
		return fmt.Errorf("efivars: list variables: %w", err)
	}
	for _, v := range vars {
		if !strings.HasPrefix(v.Name, "Boot") || len(v.Name) != 8 {
			continue
		}
		existing, _, err := readVariable(v.Name, v.GUID)
		if err != nil {
			continue
		}
		if string(existing) == string(data) {
			// Equivalent entry already present; nothing to do.
			return nil
		}
	}

	attrs := efi.AttributeNonVolatile | efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess
	name, err := nextBootVarName()
	if err != nil {
		return err
	}
	if err := writeVariable(name, efi.GlobalVariable, attrs, data); err != nil {
		return fmt.Errorf("efivars: write %s: %w", name, err)
	}
	return nil
}

// nextBootVarName finds an unused Boot#### name by probing BootXXXX
// sequentially. This mirrors what shim/systemd-boot installers do when
// they don't already know a slot to reuse.
func nextBootVarName() (string, error) {
	vars, err := listVariables()
	if err != nil {
		return "", fmt.Errorf("efivars: list variables: %w", err)
	}
	used := make(map[string]bool, len(vars))
	for _, v := range vars {
		used[v.Name] = true
	}
	for i := 0; i < 0x10000; i++ {
		name := fmt.Sprintf("Boot%04X", i)
		if !used[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("efivars: no free Boot#### slot")
}

// FakeStore is an in-memory EFI variable store for CBM_BOOTVAR_TEST_MODE
// and unit tests, mirroring sysexec.Fake's role as a seam over real system
// state.
type FakeStore struct {
	vars map[string]fakeVar
}

type fakeVar struct {
	guid efi.GUID
	data []byte
}

// NewFakeStore returns an empty fake variable store.
func NewFakeStore() *FakeStore { return &FakeStore{vars: map[string]fakeVar{}} }

// Seed pre-populates a variable, e.g. LoaderDevicePartUUID-<guid>, for tests
// that need ESP discovery to succeed against the fake store.
func (s *FakeStore) Seed(name string, guid efi.GUID, data []byte) {
	s.vars[name] = fakeVar{guid: guid, data: data}
}

func (s *FakeStore) listVariables() ([]efi.VariableDescriptor, error) {
	out := make([]efi.VariableDescriptor, 0, len(s.vars))
	for name, v := range s.vars {
		out = append(out, efi.VariableDescriptor{Name: name, GUID: v.guid})
	}
	return out, nil
}

func (s *FakeStore) readVariable(name string, guid efi.GUID) ([]byte, efi.VariableAttributes, error) {
	v, ok := s.vars[name]
	if !ok {
		return nil, 0, fmt.Errorf("efivars: fake store: %s not found", name)
	}
	return v.data, 0, nil
}

func (s *FakeStore) writeVariable(name string, guid efi.GUID, attrs efi.VariableAttributes, data []byte) error {
	s.vars[name] = fakeVar{guid: guid, data: data}
	return nil
}

func decodeUCS2(data []byte) string {
	var sb strings.Builder
	for i := 0; i+1 < len(data); i += 2 {
		lo, hi := data[i], data[i+1]
		if lo == 0 && hi == 0 {
			break
		}
		sb.WriteByte(lo)
	}
	return sb.String()
}
