/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const maxUserAddress = 0x7FFFFFFFFFFF

type windowsProcess struct {
	handle  windows.Handle
	ptrSize int
}

// OpenLive attaches to pid for reading. The main module is always the first module the
// loader reports, so mainHint is unused here.
func OpenLive(pid uint32, mainHint string) (Reader, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, fmt.Errorf("OpenProcess(%d): %w", pid, err)
	}
	w := &windowsProcess{handle: h, ptrSize: 8}
	var wow64 bool
	if err := windows.IsWow64Process(h, &wow64); err == nil && wow64 {
		w.ptrSize = 4
	}
	return w, nil
}

func (w *windowsProcess) Close() error {
	return windows.CloseHandle(w.handle)
}

func (w *windowsProcess) PointerSize() int { return w.ptrSize }

func (w *windowsProcess) ReadMemory(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	var n uintptr
	err := windows.ReadProcessMemory(w.handle, uintptr(addr), &buf[0], uintptr(size), &n)
	if err != nil {
		return nil, fmt.Errorf("%#x+%#x: %w", addr, size, err)
	}
	if int(n) != size {
		return nil, fmt.Errorf("%#x+%#x: short read: %w", addr, size, ErrUnreadable)
	}
	return buf, nil
}

func protFromPage(protect uint32) Protection {
	if protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
		return 0
	}
	switch protect & 0xFF {
	case windows.PAGE_READONLY, windows.PAGE_WRITECOPY:
		return ProtRead
	case windows.PAGE_READWRITE:
		return ProtRead | ProtWrite
	case windows.PAGE_EXECUTE:
		return ProtExec
	case windows.PAGE_EXECUTE_READ:
		return ProtRead | ProtExec
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ProtRead | ProtWrite | ProtExec
	}
	return 0
}

func (w *windowsProcess) Regions() ([]Region, error) {
	var out []Region
	limit := uint64(maxUserAddress)
	if w.ptrSize == 4 {
		limit = 0xFFFFFFFF
	}
	var mbi windows.MemoryBasicInformation
	for addr := uint64(0); addr < limit; {
		if err := windows.VirtualQueryEx(w.handle, uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
			break
		}
		size := uint64(mbi.RegionSize)
		if size == 0 {
			break
		}
		base := uint64(mbi.BaseAddress)
		if mbi.State == windows.MEM_COMMIT {
			if prot := protFromPage(mbi.Protect); prot != 0 {
				out = append(out, Region{Base: base, Size: size, Prot: prot})
			}
		}
		addr = base + size
	}
	return out, nil
}

func (w *windowsProcess) Modules() ([]Module, error) {
	var handles [1024]windows.Handle
	var needed uint32
	if err := windows.EnumProcessModules(w.handle, &handles[0], uint32(unsafe.Sizeof(handles[0]))*1024, &needed); err != nil {
		return nil, fmt.Errorf("EnumProcessModules: %w", err)
	}
	count := needed / uint32(unsafe.Sizeof(handles[0]))
	if count > uint32(len(handles)) {
		count = uint32(len(handles))
	}

	mods := make([]Module, 0, count)
	for i := uint32(0); i < count; i++ {
		var mi windows.ModuleInfo
		if err := windows.GetModuleInformation(w.handle, handles[i], &mi, uint32(unsafe.Sizeof(mi))); err != nil {
			continue
		}
		var name [windows.MAX_PATH]uint16
		if err := windows.GetModuleBaseName(w.handle, handles[i], &name[0], windows.MAX_PATH); err != nil {
			continue
		}
		mods = append(mods, Module{
			Name: windows.UTF16ToString(name[:]),
			Base: uint64(mi.BaseOfDll),
			Size: uint64(mi.SizeOfImage),
		})
	}
	return mods, nil
}
