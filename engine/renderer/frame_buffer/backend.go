package frame_buffer

// BackendType identifies the storage a FrameBufferSet mirrors its host arenas into.
type BackendType int

const (
	// BackendTypeHost keeps replicas in host memory only. Used by headless drivers and tests.
	BackendTypeHost BackendType = iota
	// BackendTypeWGPU mirrors every replica into WebGPU buffers.
	BackendTypeWGPU
)

func (t BackendType) String() string {
	switch t {
	case BackendTypeHost:
		return "host"
	case BackendTypeWGPU:
		return "wgpu"
	default:
		return "unknown"
	}
}

// Backend receives every mutation applied to a FrameBufferSet's host arenas.
// The FrameBufferSet's arenas stay the authority for reads and replica-to-replica copies;
// a Backend only has to keep its own storage in step.
type Backend interface {
	// Type returns the backend type.
	//
	// Returns:
	//   - BackendType: the backend type
	Type() BackendType

	// Allocate creates storage for one replica buffer and fills it with initial. The storage is not bound
	// to the replica until Install, so a failed allocation never disturbs the buffer currently in use.
	//
	// Parameters:
	//   - replica: the replica index
	//   - kind: the buffer kind
	//   - capacity: the buffer size in bytes
	//   - initial: bytes written at offset 0, may be nil
	//
	// Returns:
	//   - any: the backend's native buffer object, stored in BufferHandle.Native
	//   - error: an error if allocation or the initial write failed
	Allocate(replica int, kind BufferKind, capacity uint64, initial []byte) (any, error)

	// Install binds storage returned by Allocate to the replica, releasing whatever was bound before.
	//
	// Parameters:
	//   - replica: the replica index
	//   - kind: the buffer kind
	//   - native: the storage returned by Allocate
	Install(replica int, kind BufferKind, native any)

	// Discard releases storage returned by Allocate that was never installed.
	//
	// Parameters:
	//   - native: the storage returned by Allocate
	Discard(native any)

	// Upload writes data into the replica buffer at offset.
	//
	// Parameters:
	//   - replica: the replica index
	//   - kind: the buffer kind
	//   - offset: byte offset into the buffer
	//   - data: the bytes to write
	//
	// Returns:
	//   - error: an error if the upload failed
	Upload(replica int, kind BufferKind, offset uint64, data []byte) error

	// Release frees every buffer the backend allocated.
	Release()
}

// hostBackend is the no-op Backend used when no GPU is attached.
type hostBackend struct{}

var _ Backend = &hostBackend{}

// NewHostBackend creates a Backend that keeps replicas in host memory only.
//
// Returns:
//   - Backend: the host backend
func NewHostBackend() Backend {
	return &hostBackend{}
}

func (b *hostBackend) Type() BackendType {
	return BackendTypeHost
}

func (b *hostBackend) Allocate(replica int, kind BufferKind, capacity uint64, initial []byte) (any, error) {
	return nil, nil
}

func (b *hostBackend) Install(replica int, kind BufferKind, native any) {}

func (b *hostBackend) Discard(native any) {}

func (b *hostBackend) Upload(replica int, kind BufferKind, offset uint64, data []byte) error {
	return nil
}

func (b *hostBackend) Release() {}
