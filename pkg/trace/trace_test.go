package trace

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return Event{
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC),
		LinkID:    0x01020304,
		UUID:      "70cf7c97-32a3-45b6-9149-4810d2e9cbf4",
		LocalRole: RoleProvisioner,
		Direction: DirectionOut,
		Layer:     LayerBearer,
		Bearer:    BearerADV,
		Frame: &FrameEvent{
			Kind:        "start",
			Transaction: 0x80,
			Data:        []byte{0x00, 0x01},
		},
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	in := sampleEvent()

	data, err := EncodeEvent(in)
	require.NoError(t, err)

	out, err := DecodeEvent(data)
	require.NoError(t, err)

	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.LinkID, out.LinkID)
	assert.Equal(t, in.UUID, out.UUID)
	assert.Equal(t, in.LocalRole, out.LocalRole)
	require.NotNil(t, out.Frame)
	assert.Equal(t, in.Frame.Data, out.Frame.Data)
	assert.Nil(t, out.PDU)
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prov.trace")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	logger.Log(sampleEvent())
	logger.Log(Event{
		Timestamp: time.Now(),
		Layer:     LayerProvisioning,
		PDU:       &PDUEvent{Type: 0x03, Name: "PublicKey", Size: 65},
	})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	// Logging after close is ignored.
	logger.Log(sampleEvent())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, LayerBearer, first.Layer)

	second, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, second.PDU)
	assert.Equal(t, "PublicKey", second.PDU.Name)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestMultiLogger(t *testing.T) {
	var a, b MemoryLogger
	m := NewMultiLogger(&a, nil, &b)
	m.Log(sampleEvent())

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "OUT", DirectionOut.String())
	assert.Equal(t, "PROV", LayerProvisioning.String())
	assert.Equal(t, "DEVICE", RoleDevice.String())
	assert.Equal(t, "PB-GATT", BearerGATT.String())
	assert.Equal(t, "UNKNOWN", Bearer(9).String())
}
