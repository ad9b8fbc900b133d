package nats

import (
	"bytes"
	"testing"
)

func TestPendingSizeTracksChunks(t *testing.T) {
	var buffer pendingBuffer
	buffer.push(cmdPub, []byte("PUB a 1\r\nx\r\n"))
	buffer.push(cmdPing, pingProto)

	want := len("PUB a 1\r\nx\r\n") + len(pingProto)
	if buffer.size != want {
		t.Fatalf("size %d, want %d", buffer.size, want)
	}

	chunks := buffer.take()
	if len(chunks) != 2 || buffer.size != 0 || !buffer.empty() {
		t.Fatalf("take should drain the buffer, got %d chunks size %d", len(chunks), buffer.size)
	}
}

func TestPendingRebuildKeepsPubsAndAwaitedPings(t *testing.T) {
	var buffer pendingBuffer
	buffer.push(cmdConnect, []byte("CONNECT {}\r\n"))
	buffer.push(cmdSub, []byte("SUB foo 1\r\n"))
	buffer.push(cmdPub, []byte("PUB foo 1\r\na\r\n"))
	buffer.push(cmdPing, pingProto)
	buffer.push(cmdUnsub, []byte("UNSUB 1\r\n"))
	buffer.push(cmdPing, pingProto)
	buffer.push(cmdPub, []byte("PUB foo 1\r\nb\r\n"))

	// First PING has no awaiter, second does.
	buffer.rebuildForDial(func(pingIndex int) bool { return pingIndex == 1 })

	kinds := make([]cmdKind, 0, len(buffer.chunks))
	size := 0
	for _, chunk := range buffer.chunks {
		kinds = append(kinds, chunk.kind)
		size += len(chunk.data)
	}

	want := []cmdKind{cmdPub, cmdPing, cmdPub}
	if len(kinds) != len(want) {
		t.Fatalf("kept %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kept %v, want %v", kinds, want)
		}
	}
	if buffer.size != size {
		t.Fatalf("size invariant broken: recorded %d actual %d", buffer.size, size)
	}
}

func TestWriteChunksPreservesOrderAndBoundaries(t *testing.T) {
	connection := newTestConn()
	chunks := []pendingChunk{
		{kind: cmdPub, data: []byte("PUB a 1\r\nx\r\n")},
		{kind: cmdPing, data: pingProto},
		{kind: cmdPub, data: []byte("PUB b 1\r\ny\r\n")},
	}

	if err := writeChunks(connection, chunks); err != nil {
		t.Fatalf("writeChunks: %v", err)
	}

	want := []byte("PUB a 1\r\nx\r\nPING\r\nPUB b 1\r\ny\r\n")
	if !bytes.Equal(connection.WrittenBytes(), want) {
		t.Fatalf("wire bytes %q, want %q", connection.WrittenBytes(), want)
	}
}

func TestWriteChunksEmptyIsNoop(t *testing.T) {
	connection := newTestConn()
	if err := writeChunks(connection, nil); err != nil {
		t.Fatalf("writeChunks on empty: %v", err)
	}
	if len(connection.WrittenBytes()) != 0 {
		t.Fatal("no bytes expected")
	}
}
