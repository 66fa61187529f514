package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "SegmentSent", typ: SegmentSent},
		{want: "FileTransferStarted", typ: FileTransferStarted},
		{want: "FileTransferDone", typ: FileTransferDone},
		{want: "FileVanished", typ: FileVanished},
		{want: "IOErrorReported", typ: IOErrorReported},
		{want: "TeardownComplete", typ: TeardownComplete},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
}

func TestEventZeroValue(t *testing.T) {
	var e Event
	assert.Equal(t, Type(0), e.Type)
	assert.True(t, e.Timestamp.IsZero())
	assert.Empty(t, e.Path)
	assert.Zero(t, e.Index)
	assert.Zero(t, e.Size)
	require.NoError(t, e.Error)
}

func TestEventFields(t *testing.T) {
	now := time.Now()
	e := Event{
		Type:      FileTransferDone,
		Timestamp: now,
		Path:      "dir/file.txt",
		Index:     5,
		Size:      1024,
	}
	assert.Equal(t, FileTransferDone, e.Type)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "dir/file.txt", e.Path)
	assert.Equal(t, 5, e.Index)
	assert.Equal(t, int64(1024), e.Size)
}
