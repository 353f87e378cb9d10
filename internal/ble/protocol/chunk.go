// internal/ble/protocol/chunk.go
package protocol

// ChunkCount returns how many data packets a payload of size bytes needs at
// the given chunk size (ceil division).
func ChunkCount(size, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// Split frames payload into sequential data packets sized for mtu. Every
// packet is exactly mtu bytes except the last, which carries the remainder.
// Indexes wrap at 256. Returns nil for an empty payload.
func Split(payload []byte, mtu int) ([][]byte, error) {
	chunkSize, err := ChunkSize(mtu)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	packets := make([][]byte, 0, ChunkCount(len(payload), chunkSize))
	for index, offset := 0, 0; offset < len(payload); index, offset = index+1, offset+chunkSize {
		end := min(offset+chunkSize, len(payload))
		packets = append(packets, EncodeData(index, payload[offset:end]))
	}
	return packets, nil
}
