package command

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Encode writes the wire form of cmd to w: a TagWidth blank-padded tag,
// followed for PROCESS by the stage index as a 4-byte big-endian integer.
func Encode(w io.Writer, cmd Command) error {
	tag := cmd.Tag()
	if tag == "" {
		return fmt.Errorf("encode command: unknown kind %d", cmd.Kind)
	}

	if _, err := w.Write(padTag(tag)); err != nil {
		return fmt.Errorf("write command tag: %w", err)
	}

	if cmd.Kind == KindProcess {
		if cmd.Stage < 0 {
			return fmt.Errorf("encode command: negative stage index %d", cmd.Stage)
		}
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(cmd.Stage))
		if _, err := w.Write(idx[:]); err != nil {
			return fmt.Errorf("write stage index: %w", err)
		}
	}

	return nil
}

// Decode reads one command frame from r. An unrecognized tag yields a
// *ProtocolError; the caller must treat it as fatal, never skip it.
func Decode(r io.Reader) (Command, error) {
	tag, err := readTag(r)
	if err != nil {
		return Command{}, err
	}

	switch tag {
	case TagShutdown:
		return Shutdown(), nil
	case TagContinue:
		return Continue(), nil
	case TagSync:
		return Sync(), nil
	case TagProcess:
		var idx [4]byte
		if _, err := io.ReadFull(r, idx[:]); err != nil {
			return Command{}, fmt.Errorf("read stage index: %w", err)
		}
		return Process(int(binary.BigEndian.Uint32(idx[:]))), nil
	default:
		return Command{}, &ProtocolError{Tag: tag}
	}
}

// EncodeArrival writes a barrier-arrival frame to w.
func EncodeArrival(w io.Writer) error {
	if _, err := w.Write(padTag(TagArrive)); err != nil {
		return fmt.Errorf("write arrival tag: %w", err)
	}
	return nil
}

// DecodeArrival reads one frame from r and verifies it is a barrier arrival.
func DecodeArrival(r io.Reader) error {
	tag, err := readTag(r)
	if err != nil {
		return err
	}
	if tag != TagArrive {
		return &ProtocolError{Tag: tag}
	}
	return nil
}

func padTag(tag string) []byte {
	buf := make([]byte, TagWidth)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, tag)
	return buf
}

func readTag(r io.Reader) (string, error) {
	var buf [TagWidth]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", fmt.Errorf("read command tag: %w", err)
	}
	return strings.TrimRight(string(buf[:]), " "), nil
}
