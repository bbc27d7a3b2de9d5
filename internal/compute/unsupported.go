package compute

// Rectangular transfers, buffer-to-buffer copies and images are not implemented. Each
// call logs an unsupported error and does nothing.

func (h *Host) notImplemented(op string) {
	h.report(op, unsupported(op))
}

func (h *Host) CopyBuffer(src, dst BufferID, srcOffset, dstOffset, size uint64) bool {
	h.notImplemented("CopyBuffer")
	return false
}

func (h *Host) CopyBufferRect(src, dst BufferID, srcOrigin, dstOrigin, region [3]uint64) bool {
	h.notImplemented("CopyBufferRect")
	return false
}

func (h *Host) ReadBufferRect(dst []byte, id BufferID, bufferOrigin, hostOrigin, region [3]uint64) bool {
	h.notImplemented("ReadBufferRect")
	return false
}

func (h *Host) WriteBufferRect(id BufferID, src []byte, bufferOrigin, hostOrigin, region [3]uint64) bool {
	h.notImplemented("WriteBufferRect")
	return false
}

func (h *Host) CreateImage2D(flags BufferFlag, width, height uint64, data []byte) BufferID {
	h.notImplemented("CreateImage2D")
	return 0
}

func (h *Host) CreateImage3D(flags BufferFlag, width, height, depth uint64, data []byte) BufferID {
	h.notImplemented("CreateImage3D")
	return 0
}

func (h *Host) CreateGLImage2D(flags BufferFlag, texture uint32) BufferID {
	h.notImplemented("CreateGLImage2D")
	return 0
}

func (h *Host) CreateGLRenderbuffer(flags BufferFlag, renderbuffer uint32) BufferID {
	h.notImplemented("CreateGLRenderbuffer")
	return 0
}

func (h *Host) ReadImage(dst []byte, id BufferID, origin, region [3]uint64) bool {
	h.notImplemented("ReadImage")
	return false
}

func (h *Host) WriteImage(id BufferID, src []byte, origin, region [3]uint64) bool {
	h.notImplemented("WriteImage")
	return false
}

func (h *Host) CopyImage(src, dst BufferID, srcOrigin, dstOrigin, region [3]uint64) bool {
	h.notImplemented("CopyImage")
	return false
}

func (h *Host) CopyBufferToImage(src, dst BufferID, srcOffset uint64, dstOrigin, region [3]uint64) bool {
	h.notImplemented("CopyBufferToImage")
	return false
}

func (h *Host) CopyImageToBuffer(src, dst BufferID, srcOrigin, region [3]uint64, dstOffset uint64) bool {
	h.notImplemented("CopyImageToBuffer")
	return false
}

func (h *Host) MapImage(id BufferID, access MapFlag, origin, region [3]uint64) []byte {
	h.notImplemented("MapImage")
	return nil
}
