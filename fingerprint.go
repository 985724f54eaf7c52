// Package pdfcache provides persistent, size-bounded caching of decoded
// PDF content.
// This file contains content fingerprinting for identifier derivation.
package pdfcache

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

const (
	// fingerprintSampleSize is how many bytes are sampled from each end of
	// the payload. Sampling keeps fingerprinting O(1) in payload size while
	// still distinguishing documents that differ anywhere near either end
	// or in total length.
	fingerprintSampleSize = 64 * 1024

	// identifierPrefix marks derived identifiers.
	identifierPrefix = "pdf-"

	// identifierHexLen is how many hex digits of the digest are kept.
	identifierHexLen = 24
)

// Fingerprint derives a stable content identifier from an encoded payload
// without reading it in full. It hashes the first and last 64KB of the
// stream together with its total length, then returns the reader's offset
// to the start.
//
// The identifier is deterministic: the same payload always yields the same
// identifier, so repeated stores of identical content deduplicate.
//
// Returns an error when the reader cannot be sized or repositioned.
func Fingerprint(r io.ReadSeeker) (string, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return "", fmt.Errorf("failed to determine payload size: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind payload: %w", err)
	}

	digester := digest.SHA256.Digester()
	hash := digester.Hash()

	head := min(size, fingerprintSampleSize)
	if _, err := io.CopyN(hash, r, head); err != nil {
		return "", fmt.Errorf("failed to sample payload prefix: %w", err)
	}

	// The suffix sample overlaps the prefix for payloads under 128KB;
	// that is harmless because the length is hashed as well.
	if size > fingerprintSampleSize {
		if _, err := r.Seek(-fingerprintSampleSize, io.SeekEnd); err != nil {
			return "", fmt.Errorf("failed to seek to payload suffix: %w", err)
		}
		if _, err := io.CopyN(hash, r, fingerprintSampleSize); err != nil {
			return "", fmt.Errorf("failed to sample payload suffix: %w", err)
		}
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(size))
	hash.Write(lenBuf[:])

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind payload: %w", err)
	}

	return identifierPrefix + digester.Digest().Encoded()[:identifierHexLen], nil
}

// FingerprintBytes derives a stable content identifier from an in-memory
// payload. See Fingerprint.
func FingerprintBytes(payload []byte) string {
	digester := digest.SHA256.Digester()
	hash := digester.Hash()

	head := min(int64(len(payload)), fingerprintSampleSize)
	hash.Write(payload[:head])
	if int64(len(payload)) > fingerprintSampleSize {
		hash.Write(payload[int64(len(payload))-fingerprintSampleSize:])
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	hash.Write(lenBuf[:])

	return identifierPrefix + digester.Digest().Encoded()[:identifierHexLen]
}
