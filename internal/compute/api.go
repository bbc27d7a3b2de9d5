package compute

// API is the surface the rendering pipeline uses.
type API interface {
	CreateBuffer(flags BufferFlag, size uint64, data []byte) BufferID
	DeleteBuffer(id BufferID) bool
	ReadBuffer(dst []byte, id BufferID, offset, size uint64) bool
	WriteBuffer(id BufferID, src []byte, offset, size uint64) bool
	AddKernelSource(identifier, src, entry string, options []string) KernelID
	DeleteKernel(id KernelID) bool
	UseKernel(id KernelID) bool
	SetKernelArgument(index int, raw []byte) bool
	SetKernelArgumentBuffer(index int, id BufferID) bool
	SetKernelRange(global, local [3]uint32) bool
	RunKernel(id KernelID) bool
	ActiveDevice() *Device
	SetActiveDevice(dev *Device) bool
}

var _ API = (*Host)(nil)
