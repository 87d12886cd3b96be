//go:build windows

// Package ipc provides Windows-specific server implementation using named pipes.
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
	"unsafe"
)

// Named pipe constants
const (
	// Pipe mode flags
	PIPE_ACCESS_DUPLEX       = 0x00000003
	PIPE_TYPE_MESSAGE        = 0x00000004
	PIPE_READMODE_MESSAGE    = 0x00000002
	PIPE_WAIT                = 0x00000000
	PIPE_UNLIMITED_INSTANCES = 255

	// Buffer sizes
	pipeBufferSize = 64 * 1024
)

var (
	kernel32                        = syscall.NewLazyDLL("kernel32.dll")
	procCreateNamedPipeW            = kernel32.NewProc("CreateNamedPipeW")
	procConnectNamedPipe            = kernel32.NewProc("ConnectNamedPipe")
	procDisconnectNamedPipe         = kernel32.NewProc("DisconnectNamedPipe")
	procGetNamedPipeClientProcessId = kernel32.NewProc("GetNamedPipeClientProcessId")
)

// PeerCredentials holds the credentials of a peer process (Windows version)
type PeerCredentials struct {
	PID int
	UID int // Not available on Windows, always 0
	GID int // Not available on Windows, always 0
}

// GetPeerCredentials retrieves the process ID of the connected client
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	pc, ok := conn.(*WindowsPipeConn)
	if !ok {
		return nil, fmt.Errorf("not a pipe connection")
	}

	pid, err := getNamedPipeClientProcessId(pc.handle)
	if err != nil {
		return nil, err
	}

	return &PeerCredentials{
		PID: pid,
		UID: 0,
		GID: 0,
	}, nil
}

// VerifyPeerIsCurrentUser verifies the peer is running as the current user.
// Named pipes inherit security from the pipe DACL, which defaults to the
// creating user, so any peer that connected at all is acceptable.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return true, nil
}

// listenSocket creates a named pipe listener. The perm argument has no
// meaning on Windows; the pipe DACL covers it.
func listenSocket(path string, perm os.FileMode) (net.Listener, error) {
	return NewWindowsPipeListener(path)
}

// SetSocketPermissions is a no-op on Windows (security set during pipe creation)
func SetSocketPermissions(path string, mode os.FileMode) error {
	return nil
}

// CleanupSocket is a no-op on Windows (named pipes are managed by the system)
func CleanupSocket(path string) error {
	return nil
}

// IsSocketListening checks if a named pipe is already listening
func IsSocketListening(path string) bool {
	pipeName := WindowsPipePath(path)
	// Try to connect to see if pipe exists
	handle, err := syscall.CreateFile(
		syscall.StringToUTF16Ptr(pipeName),
		syscall.GENERIC_READ|syscall.GENERIC_WRITE,
		0,
		nil,
		syscall.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return false
	}
	syscall.CloseHandle(handle)
	return true
}

// WindowsPipePath converts a socket path to a Windows named pipe path
func WindowsPipePath(socketPath string) string {
	// Already a pipe path, use as-is
	if len(socketPath) > 9 && socketPath[:9] == `\\.\pipe\` {
		return socketPath
	}
	// Convert Unix-style path to a per-user pipe name
	// e.g., /tmp/encounterd.sock -> \\.\pipe\encounterd-xxx-encounterd.sock
	baseName := filepath.Base(socketPath)
	username := os.Getenv("USERNAME")
	if username == "" {
		username = "default"
	}
	return fmt.Sprintf(`\\.\pipe\encounterd-%s-%s`, username, baseName)
}

// createNamedPipe creates a named pipe with security restrictions
func createNamedPipe(name string) (syscall.Handle, error) {
	pipeName, err := syscall.UTF16PtrFromString(name)
	if err != nil {
		return syscall.InvalidHandle, err
	}

	// Create pipe with message mode for atomic messages
	handle, _, err := procCreateNamedPipeW.Call(
		uintptr(unsafe.Pointer(pipeName)),
		PIPE_ACCESS_DUPLEX,
		PIPE_TYPE_MESSAGE|PIPE_READMODE_MESSAGE|PIPE_WAIT,
		PIPE_UNLIMITED_INSTANCES,
		pipeBufferSize,
		pipeBufferSize,
		0,
		0, // Default security (current user)
	)

	if handle == uintptr(syscall.InvalidHandle) {
		return syscall.InvalidHandle, err
	}

	return syscall.Handle(handle), nil
}

// connectNamedPipe waits for a client to connect
func connectNamedPipe(handle syscall.Handle) error {
	r, _, err := procConnectNamedPipe.Call(uintptr(handle), 0)
	if r == 0 {
		// Check if client already connected
		errno, ok := err.(syscall.Errno)
		if ok && errno == 535 { // ERROR_PIPE_CONNECTED
			return nil
		}
		return err
	}
	return nil
}

// disconnectNamedPipe disconnects a client from the pipe
func disconnectNamedPipe(handle syscall.Handle) error {
	r, _, err := procDisconnectNamedPipe.Call(uintptr(handle))
	if r == 0 {
		return err
	}
	return nil
}

// getNamedPipeClientProcessId gets the PID of the connected client
func getNamedPipeClientProcessId(handle syscall.Handle) (int, error) {
	var pid uint32
	r, _, err := procGetNamedPipeClientProcessId.Call(
		uintptr(handle),
		uintptr(unsafe.Pointer(&pid)),
	)
	if r == 0 {
		return 0, err
	}
	return int(pid), nil
}

// WindowsPipeListener implements net.Listener for Windows named pipes
type WindowsPipeListener struct {
	pipeName string
	closed   bool
}

// NewWindowsPipeListener creates a listener for Windows named pipes
func NewWindowsPipeListener(socketPath string) (*WindowsPipeListener, error) {
	pipeName := WindowsPipePath(socketPath)
	return &WindowsPipeListener{
		pipeName: pipeName,
	}, nil
}

// Accept waits for and returns the next connection
func (l *WindowsPipeListener) Accept() (net.Conn, error) {
	if l.closed {
		return nil, net.ErrClosed
	}

	handle, err := createNamedPipe(l.pipeName)
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}

	if err := connectNamedPipe(handle); err != nil {
		syscall.CloseHandle(handle)
		return nil, fmt.Errorf("connect pipe: %w", err)
	}

	return &WindowsPipeConn{
		handle:   handle,
		pipeName: l.pipeName,
	}, nil
}

// Close closes the listener
func (l *WindowsPipeListener) Close() error {
	l.closed = true
	return nil
}

// Addr returns the listener's network address
func (l *WindowsPipeListener) Addr() net.Addr {
	return &WindowsPipeAddr{name: l.pipeName}
}

// WindowsPipeConn implements net.Conn for Windows named pipes
type WindowsPipeConn struct {
	handle   syscall.Handle
	pipeName string
}

// Read reads data from the connection
func (c *WindowsPipeConn) Read(b []byte) (int, error) {
	var n uint32
	err := syscall.ReadFile(c.handle, b, &n, nil)
	return int(n), err
}

// Write writes data to the connection
func (c *WindowsPipeConn) Write(b []byte) (int, error) {
	var n uint32
	err := syscall.WriteFile(c.handle, b, &n, nil)
	return int(n), err
}

// Close closes the connection
func (c *WindowsPipeConn) Close() error {
	disconnectNamedPipe(c.handle)
	return syscall.CloseHandle(c.handle)
}

// LocalAddr returns the local network address
func (c *WindowsPipeConn) LocalAddr() net.Addr {
	return &WindowsPipeAddr{name: c.pipeName}
}

// RemoteAddr returns the remote network address
func (c *WindowsPipeConn) RemoteAddr() net.Addr {
	return &WindowsPipeAddr{name: c.pipeName}
}

// SetDeadline sets the read and write deadlines
func (c *WindowsPipeConn) SetDeadline(t time.Time) error {
	// Named pipes use overlapped I/O for timeouts
	// For simplicity, we don't implement timeouts here
	return nil
}

// SetReadDeadline sets the read deadline
func (c *WindowsPipeConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline sets the write deadline
func (c *WindowsPipeConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// WindowsPipeAddr implements net.Addr for Windows named pipes
type WindowsPipeAddr struct {
	name string
}

// Network returns the address's network name
func (a *WindowsPipeAddr) Network() string {
	return "pipe"
}

// String returns the string form of the address
func (a *WindowsPipeAddr) String() string {
	return a.name
}
