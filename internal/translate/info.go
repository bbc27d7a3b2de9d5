package translate

import (
	"fmt"
	"strconv"
	"strings"
)

// AddressSpace is the OpenCL address space of a kernel parameter.
type AddressSpace uint32

const (
	Private AddressSpace = iota
	Global
	Local
	Constant
)

var addressSpaceNames = [...]string{"private", "global", "local", "constant"}

func (a AddressSpace) String() string {
	if int(a) < len(addressSpaceNames) {
		return addressSpaceNames[a]
	}
	return "unknown"
}

// ParamType is the logical type of a kernel parameter.
type ParamType uint32

const (
	Other ParamType = iota
	Buffer
	Image1D
	Image2D
	Image3D
	Sampler
)

var paramTypeNames = [...]string{"other", "buffer", "image1d", "image2d", "image3d", "sampler"}

func (t ParamType) String() string {
	if int(t) < len(paramTypeNames) {
		return paramTypeNames[t]
	}
	return "unknown"
}

// IsImage reports whether t is one of the image types.
func (t ParamType) IsImage() bool {
	return t == Image1D || t == Image2D || t == Image3D
}

// Access is the declared access mode of a kernel parameter.
type Access uint32

const (
	AccessNone Access = iota
	ReadOnly
	WriteOnly
	ReadWrite
)

var accessNames = [...]string{"none", "read_only", "write_only", "read_write"}

func (a Access) String() string {
	if int(a) < len(accessNames) {
		return accessNames[a]
	}
	return "unknown"
}

// Param describes one kernel parameter.
type Param struct {
	Name         string
	AddressSpace AddressSpace
	Type         ParamType
	Access       Access
}

// KernelInfo is the parameter metadata of one kernel entry point.
type KernelInfo struct {
	Name   string
	Params []Param
}

// ParamType returns the type of parameter i, or Other when i is out of range.
func (k *KernelInfo) ParamType(i int) ParamType {
	if i < 0 || i >= len(k.Params) {
		return Other
	}
	return k.Params[i].Type
}

// MarshalText encodes k in the cache sidecar format:
// "<entry> <count> {<name> <address space> <type> <access>}*".
func (k *KernelInfo) MarshalText() ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", k.Name, len(k.Params))
	for _, p := range k.Params {
		fmt.Fprintf(&b, " %s %d %d %d", p.Name, p.AddressSpace, p.Type, p.Access)
	}
	return []byte(b.String()), nil
}

// UnmarshalText decodes the cache sidecar format.
func (k *KernelInfo) UnmarshalText(text []byte) error {
	fields := strings.Fields(string(text))
	if len(fields) < 2 {
		return fmt.Errorf("kernel info: want entry name and parameter count, got %d fields", len(fields))
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil || count < 0 {
		return fmt.Errorf("kernel info: invalid parameter count %q", fields[1])
	}
	if len(fields) != 2+4*count {
		return fmt.Errorf("kernel info: %d parameters need %d fields, got %d", count, 2+4*count, len(fields))
	}

	params := make([]Param, count)
	for i := range params {
		f := fields[2+4*i:]
		codes := make([]uint32, 3)
		for j := range codes {
			v, err := strconv.ParseUint(f[1+j], 10, 32)
			if err != nil {
				return fmt.Errorf("kernel info: parameter %d: invalid code %q", i, f[1+j])
			}
			codes[j] = uint32(v)
		}
		if codes[0] > uint32(Constant) || codes[1] > uint32(Sampler) || codes[2] > uint32(ReadWrite) {
			return fmt.Errorf("kernel info: parameter %d: code out of range", i)
		}
		params[i] = Param{Name: f[0], AddressSpace: AddressSpace(codes[0]), Type: ParamType(codes[1]), Access: Access(codes[2])}
	}

	k.Name = fields[0]
	k.Params = params
	return nil
}
