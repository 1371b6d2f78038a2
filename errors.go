package canopen

import "errors"

// Sentinel errors shared by every service. Specific subsystems (SDO aborts,
// SDO timeouts) define their own richer error types but still wrap or
// reference these where the failure is a generic transport/argument issue.
var (
	ErrIllegalArgument = errors.New("canopen: illegal argument")
	ErrNotConnected    = errors.New("canopen: transport not connected")
	ErrFrameTooLarge   = errors.New("canopen: frame payload exceeds 8 bytes")
	ErrDecodeShort     = errors.New("canopen: payload too short to decode")
	ErrUnsupported     = errors.New("canopen: operation not supported")
	ErrBadCobID        = errors.New("canopen: COB-ID exceeds 11-bit range")
	ErrBadNodeID       = errors.New("canopen: node id out of range [1,127]")
)
