package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/inputmux/internal/event"
)

func TestRecordLayout(t *testing.T) {
	r := Record{Time: 3*time.Second + 250*time.Microsecond, Type: 3, Code: 1, Value: -42}
	b := encodeRecord(r)
	require.Len(t, b, recordSize)
	assert.Equal(t, r, decodeRecord(b))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want event.Payload
	}{
		{
			name: "key press",
			rec:  keyRecord(30, 1),
			want: event.KeyChanged{Code: 30, Name: "KEY_A", Pressed: true},
		},
		{
			name: "key release",
			rec:  keyRecord(30, 0),
			want: event.KeyChanged{Code: 30, Name: "KEY_A"},
		},
		{
			name: "key repeat",
			rec:  keyRecord(30, 2),
			want: event.KeyChanged{Code: 30, Name: "KEY_A", Pressed: true, Repeat: true},
		},
		{
			name: "unnamed key",
			rec:  keyRecord(99, 1),
			want: event.KeyChanged{Code: 99, Name: "KEY_99", Pressed: true},
		},
		{
			name: "mouse button",
			rec:  keyRecord(0x110, 1),
			want: event.ButtonChanged{Code: 0x110, Pressed: true},
		},
		{
			name: "trigger happy button",
			rec:  keyRecord(0x2c3, 0),
			want: event.ButtonChanged{Code: 0x2c3},
		},
		{
			name: "relative x",
			rec:  Record{Type: 2, Code: 0, Value: -5},
			want: event.PointerMoved{DX: -5},
		},
		{
			name: "relative y",
			rec:  Record{Type: 2, Code: 1, Value: 7},
			want: event.PointerMoved{DY: 7},
		},
		{
			name: "wheel",
			rec:  Record{Type: 2, Code: 8, Value: 1},
			want: event.AxisChanged{Axis: event.AxisID{Kind: event.AxisRelative, Code: 8}, Value: 1},
		},
		{
			name: "absolute axis",
			rec:  Record{Type: 3, Code: 2, Value: 128},
			want: event.AxisChanged{Axis: event.AxisID{Kind: event.AxisAbsolute, Code: 2}, Value: 128},
		},
		{
			name: "sync report",
			rec:  synReportRecord(),
			want: nil,
		},
		{
			name: "misc scan code",
			rec:  Record{Type: 4, Code: 4, Value: 0x70004},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &decoder{names: map[uint16]string{30: "KEY_A"}}
			got, err := d.translate(tt.rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTranslateErrors(t *testing.T) {
	d := &decoder{}

	_, err := d.translate(keyRecord(30, 7))
	assert.Error(t, err)

	_, err = d.translate(Record{Type: 0x11, Code: 0, Value: 1})
	assert.ErrorIs(t, err, errUnhandled)
}

func TestSynDroppedDiscardsUntilReport(t *testing.T) {
	d := &decoder{}

	p, err := d.translate(Record{Type: 0, Code: synDropped})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, _ = d.translate(keyRecord(30, 1))
	assert.Nil(t, p, "records after SYN_DROPPED are discarded")

	p, _ = d.translate(synReportRecord())
	assert.Nil(t, p)

	p, err = d.translate(keyRecord(30, 0))
	require.NoError(t, err)
	assert.Equal(t, event.KeyChanged{Code: 30, Name: "KEY_30"}, p)
}

func TestTranslateDuplicateRecords(t *testing.T) {
	d := &decoder{}
	r := keyRecord(30, 1)
	first, err := d.translate(r)
	require.NoError(t, err)
	second, err := d.translate(r)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
