package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReceiptText(t *testing.T) {
	text := "id:abc123 sub:001 dlvrd:001 submit date:2410191200 done date:2410191201 stat:DELIVRD err:000 text:hello there"

	dlr, ok := ParseReceiptText(text)
	require.True(t, ok)
	assert.Equal(t, "abc123", dlr.CarrierMessageID)
	assert.Equal(t, StatusDelivered, dlr.Status)
	assert.Equal(t, "000", dlr.ErrorCode)
	assert.Equal(t, time.Date(2024, 10, 19, 12, 1, 0, 0, time.UTC), dlr.Timestamp)
}

func TestParseReceiptTextStatuses(t *testing.T) {
	cases := map[string]ReceiptStatus{
		"id:1 stat:UNDELIV err:034": StatusFailed,
		"id:1 stat:EXPIRED":         StatusExpired,
		"id:1 stat:weird":           StatusUnknown,
		"id:1":                      StatusUnknown,
	}
	for text, want := range cases {
		dlr, ok := ParseReceiptText(text)
		require.True(t, ok, text)
		assert.Equal(t, want, dlr.Status, text)
	}
}

func TestParseReceiptTextWithoutID(t *testing.T) {
	_, ok := ParseReceiptText("hello, this is a plain message")
	assert.False(t, ok)
}

func TestMessageExpired(t *testing.T) {
	m := NewMessage(MT, "+15550001", "+15550002", []byte("hi"), "")
	assert.Equal(t, MessageEncoding.GSM7, m.Encoding)
	assert.False(t, m.Expired(time.Now()))

	m.Validity = time.Minute
	assert.False(t, m.Expired(m.CreatedAt.Add(30*time.Second)))
	assert.True(t, m.Expired(m.CreatedAt.Add(2*time.Minute)))
}

func TestItemDecodeAndTouch(t *testing.T) {
	m := NewMessage(MO, "+4470000", "+15550002", []byte("hello"), MessageEncoding.ASCII)
	it, err := NewItem(QueueItemKind.Deliver, "consumer-1", m)
	require.NoError(t, err)
	assert.Equal(t, 0, it.Attempts)

	now := time.Now()
	it.Touch(now)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, now, it.LastAttempt)

	var got Message
	require.NoError(t, it.Decode(&got))
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, []byte("hello"), got.Content)
}

func TestTextDecodesByEncoding(t *testing.T) {
	ucs2, err := EncodeText("مرحبا", MessageEncoding.UCS2)
	require.NoError(t, err)
	m := NewMessage(MT, "a", "b", ucs2, MessageEncoding.UCS2)
	assert.Equal(t, "مرحبا", m.Text())

	latin, err := EncodeText("café", MessageEncoding.Latin1)
	require.NoError(t, err)
	assert.Len(t, latin, 4)
	m = NewMessage(MT, "a", "b", latin, MessageEncoding.Latin1)
	assert.Equal(t, "café", m.Text())
}

func TestBestEncoding(t *testing.T) {
	assert.Equal(t, MessageEncoding.GSM7, BestEncoding("Hello {world} €5"))
	assert.Equal(t, MessageEncoding.UCS2, BestEncoding("Привет"))
}

func TestFormatReceiptTextRoundTrip(t *testing.T) {
	done := time.Date(2024, 10, 19, 12, 1, 0, 0, time.UTC)
	text := FormatReceiptText(DeliveryReceipt{MessageID: "m-1", Status: StatusFailed, ErrorCode: "034", Timestamp: done}, done.Add(-time.Minute))

	dlr, ok := ParseReceiptText(text)
	require.True(t, ok)
	assert.Equal(t, "m-1", dlr.CarrierMessageID)
	assert.Equal(t, StatusFailed, dlr.Status)
	assert.Equal(t, "034", dlr.ErrorCode)
	assert.Equal(t, done, dlr.Timestamp)
	assert.Contains(t, text, "submit date:2410191200")
}
