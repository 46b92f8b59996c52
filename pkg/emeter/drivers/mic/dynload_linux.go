// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux && cgo

package mic

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// library wraps a dlopen handle to the MIC management library
// (libmicmgmt / libmpss). No modern ecosystem Go binding exists for this
// long-discontinued Xeon Phi stack, unlike NVML; this is the one cgo
// surface in the module, isolated behind this file's build tag so the
// rest of the module stays cgo-free.
type library struct {
	handle unsafe.Pointer
}

func openLibrary(name string) (*library, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	handle := C.dlopen(cname, C.RTLD_NOW)
	if handle == nil {
		return nil, fmt.Errorf("mic: dlopen %s: %s", name, C.GoString(C.dlerror()))
	}
	return &library{handle: handle}, nil
}

func (l *library) symbol(name string) (unsafe.Pointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	sym := C.dlsym(l.handle, cname)
	if sym == nil {
		return nil, fmt.Errorf("mic: dlsym %s: %s", name, C.GoString(C.dlerror()))
	}
	return unsafe.Pointer(sym), nil
}

func (l *library) close() error {
	if C.dlclose(l.handle) != 0 {
		return fmt.Errorf("mic: dlclose: %s", C.GoString(C.dlerror()))
	}
	return nil
}
