//go:build windows

package sys

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmap(f MmapFile, length int) ([]byte, error) {
	fd := windows.Handle(f.Fd())
	sizeHi := uint32(length >> 32)
	sizeLo := uint32(length & 0xFFFFFFFF)
	mapping, err := windows.CreateFileMapping(fd, nil, windows.PAGE_READWRITE, sizeHi, sizeLo, nil)
	if err != nil {
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}
	defer windows.CloseHandle(mapping)

	addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(length))
	if err != nil {
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	return windows.UnmapViewOfFile(addr)
}
