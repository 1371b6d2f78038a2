// Package sdo implements the expedited-only CiA 301 SDO client: upload
// (read, <=4 bytes) and download (write, <=4 bytes) against a single
// server node, with per-object single-flight request/response
// correlation, a deadline timer, and abort-code surfacing. Segmented and
// block transfer are explicitly out of scope (spec.md §1 Non-goals).
package sdo

import (
	"encoding/binary"

	canopen "github.com/canlink/canopen-core"
)

// Specifier command groups, bits 7:5 of byte 0.
const (
	specDownloadInitiate byte = 0x20
	specUploadInitiate   byte = 0x40
	specAbort            byte = 0x80
)

const expeditedBit = 0x02 // bit 1, "e"

// encodeUploadRequest builds the 8-byte expedited upload-initiate
// request: specifier 0x40, index/sub-index, no data.
func encodeUploadRequest(addr canopen.ObjectAddress) [8]byte {
	var raw [8]byte
	raw[0] = specUploadInitiate
	binary.LittleEndian.PutUint16(raw[1:3], addr.Index)
	raw[3] = addr.SubIndex
	return raw
}

// encodeDownloadRequest builds the 8-byte expedited download-initiate
// request for 1-4 bytes of data. Per spec.md §3: n = 4-L occupies bits
// 3:2, the "e" bit (expedited) and "s" bit (size indicated) are both
// set, so specifier = 0x20 | (n<<2) | 0x02 | 0x01 = 0x23 | (n<<2).
func encodeDownloadRequest(addr canopen.ObjectAddress, data []byte) ([8]byte, error) {
	var raw [8]byte
	if len(data) == 0 || len(data) > 4 {
		return raw, canopen.ErrUnsupported
	}
	n := uint8(4 - len(data))
	raw[0] = specDownloadInitiate | (n << 2) | expeditedBit | 0x01
	binary.LittleEndian.PutUint16(raw[1:3], addr.Index)
	raw[3] = addr.SubIndex
	copy(raw[4:4+len(data)], data)
	return raw, nil
}

// encodeAbort builds an Abort SDO frame (specifier 0x80) carrying code.
func encodeAbort(addr canopen.ObjectAddress, code AbortCode) [8]byte {
	var raw [8]byte
	raw[0] = specAbort
	binary.LittleEndian.PutUint16(raw[1:3], addr.Index)
	raw[3] = addr.SubIndex
	binary.LittleEndian.PutUint32(raw[4:8], uint32(code))
	return raw
}

// response is a decoded 8-byte SDO response.
type response struct {
	raw [8]byte
}

func decodeResponse(data []byte) (response, error) {
	var r response
	if len(data) < 8 {
		return r, canopen.ErrDecodeShort
	}
	copy(r.raw[:], data[:8])
	return r, nil
}

func (r response) isAbort() bool {
	return r.raw[0]&0xE0 == specAbort
}

func (r response) abortCode() AbortCode {
	return AbortCode(binary.LittleEndian.Uint32(r.raw[4:8]))
}

func (r response) address() canopen.ObjectAddress {
	return canopen.ObjectAddress{
		Index:    binary.LittleEndian.Uint16(r.raw[1:3]),
		SubIndex: r.raw[3],
	}
}

// expedited reports whether the "e" bit is set.
func (r response) expedited() bool {
	return r.raw[0]&expeditedBit != 0
}

// dataLength returns the number of valid data bytes: §4.7 "Decoding
// expedited response data". A non-expedited (segmented) reply is
// reported as unsupported by the caller, not decoded further here.
func (r response) dataLength() int {
	if !r.expedited() {
		return 4
	}
	n := (r.raw[0] >> 2) & 0x03
	return 4 - int(n)
}

func (r response) data() []byte {
	n := r.dataLength()
	out := make([]byte, n)
	copy(out, r.raw[4:4+n])
	return out
}

// isUploadResponse / isDownloadResponse check the response command
// specifier matches what an upload/download initiate expects: the upload
// check compares the high nibble (0x4_), the download check the whole
// byte (0x60).
func (r response) isUploadResponse() bool {
	return r.raw[0]&0xF0 == 0x40
}

func (r response) isDownloadResponse() bool {
	return r.raw[0] == 0x60
}
