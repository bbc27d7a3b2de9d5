package compute

import (
	"strings"
)

// BufferFlag describes how a buffer is allocated and used.
type BufferFlag uint32

const (
	Read BufferFlag = 1 << iota
	Write
	InitialCopy
	CopyOnUse
	UseHostMemory
	DeleteAfterUse
	BlockOnRead
	BlockOnWrite
	ReadBackResult
	OpenGLBuffer

	ReadWrite   = Read | Write
	FlagDefault = ReadWrite | BlockOnRead | BlockOnWrite
)

var bufferFlagNames = []string{
	"read", "write", "initial-copy", "copy-on-use", "use-host-memory", "delete-after-use",
	"block-on-read", "block-on-write", "read-back-result", "opengl-buffer",
}

func (f BufferFlag) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for i, name := range bufferFlagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// normalize drops flags that cannot apply given the presence of initial data.
func (f BufferFlag) normalize(hasData bool) BufferFlag {
	n := f & (UseHostMemory | DeleteAfterUse | BlockOnRead | BlockOnWrite | ReadWrite)
	if hasData && f&InitialCopy != 0 && f&UseHostMemory == 0 {
		n |= InitialCopy
	}
	if hasData {
		n |= f & (CopyOnUse | ReadBackResult)
	}
	if n&ReadWrite == 0 {
		n |= ReadWrite
	}
	return n
}

// Mode is the ownership model of a buffer's memory.
type Mode int

const (
	ModeDevice Mode = iota
	ModeHostRegistered
	ModeHostAllocated
	ModeGLInterop
	ModeSubBuffer
)

func (m Mode) String() string {
	switch m {
	case ModeDevice:
		return "device"
	case ModeHostRegistered:
		return "host-registered"
	case ModeHostAllocated:
		return "host-allocated"
	case ModeGLInterop:
		return "gl-interop"
	case ModeSubBuffer:
		return "sub-buffer"
	default:
		return "unknown"
	}
}

// MapFlag is the access requested when mapping a buffer.
type MapFlag uint32

const (
	MapRead MapFlag = 1 << iota
	MapWrite
	MapWriteInvalidate
	MapBlock

	MapReadWrite = MapRead | MapWrite
)

func (f MapFlag) reads() bool  { return f&MapRead != 0 }
func (f MapFlag) writes() bool { return f&(MapWrite|MapWriteInvalidate) != 0 }
