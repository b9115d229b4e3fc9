package message

import (
	"fmt"
	"strings"
	"time"
)

// ReceiptStatus is the final state reported by a carrier for a submitted MT message.
type ReceiptStatus string

const (
	StatusDelivered ReceiptStatus = "delivered"
	StatusFailed    ReceiptStatus = "failed"
	StatusExpired   ReceiptStatus = "expired"
	StatusUnknown   ReceiptStatus = "unknown"
)

// DeliveryReceipt acknowledges the final status of a previously submitted MT message.
// MessageID is empty until the DLR thrower resolves CarrierMessageID back to the
// gateway id of the original submission.
type DeliveryReceipt struct {
	MessageID        string `json:"message_id"`
	CarrierMessageID string `json:"carrier_message_id"`
	ConnectorID      string `json:"connector_id"`
	// addresses of the original submission, filled in when the receipt is resolved
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	Status    ReceiptStatus `json:"status"`
	ErrorCode string        `json:"error_code,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// carrier stat codes -> receipt status
var statMap = map[string]ReceiptStatus{
	"DELIVRD": StatusDelivered,
	"ACCEPTD": StatusDelivered,
	"EXPIRED": StatusExpired,
	"DELETED": StatusFailed,
	"UNDELIV": StatusFailed,
	"REJECTD": StatusFailed,
	"UNKNOWN": StatusUnknown,
}

// ParseReceiptText parses the conventional receipt body
// "id:IIII sub:SSS dlvrd:DDD submit date:YYMMDDhhmm done date:YYMMDDhhmm stat:DDDDDDD err:E text:..."
// It returns false when no id field is present.
func ParseReceiptText(text string) (DeliveryReceipt, bool) {
	fields := receiptFields(text)
	id, ok := fields["id"]
	if !ok || id == "" {
		return DeliveryReceipt{}, false
	}

	status, ok := statMap[strings.ToUpper(fields["stat"])]
	if !ok {
		status = StatusUnknown
	}

	ts := time.Now().UTC()
	if done, ok := fields["done date"]; ok {
		if t, err := time.Parse("0601021504", done); err == nil {
			ts = t.UTC()
		}
	}

	return DeliveryReceipt{
		CarrierMessageID: id,
		Status:           status,
		ErrorCode:        fields["err"],
		Timestamp:        ts,
	}, true
}

// status -> stat code written back to consumers
var statCodes = map[ReceiptStatus]string{
	StatusDelivered: "DELIVRD",
	StatusExpired:   "EXPIRED",
	StatusFailed:    "UNDELIV",
	StatusUnknown:   "UNKNOWN",
}

// FormatReceiptText renders r in the same conventional layout ParseReceiptText reads,
// with the gateway message id as id.
func FormatReceiptText(r DeliveryReceipt, submitted time.Time) string {
	stat, ok := statCodes[r.Status]
	if !ok {
		stat = "UNKNOWN"
	}
	dlvrd := "000"
	if r.Status == StatusDelivered {
		dlvrd = "001"
	}
	errCode := r.ErrorCode
	if errCode == "" {
		errCode = "000"
	}
	done := r.Timestamp
	if done.IsZero() {
		done = time.Now().UTC()
	}
	if submitted.IsZero() {
		submitted = done
	}
	return fmt.Sprintf("id:%s sub:001 dlvrd:%s submit date:%s done date:%s stat:%s err:%s text:",
		r.MessageID, dlvrd, submitted.UTC().Format("0601021504"), done.UTC().Format("0601021504"), stat, errCode)
}

func receiptFields(text string) map[string]string {
	keys := []string{"id", "sub", "dlvrd", "submit date", "done date", "stat", "err", "text"}
	lower := strings.ToLower(text)
	out := make(map[string]string)

	for _, key := range keys {
		idx := strings.Index(lower, key+":")
		if idx < 0 {
			continue
		}
		start := idx + len(key) + 1
		rest := text[start:]
		if key == "text" {
			out[key] = rest
			continue
		}
		if end := strings.IndexByte(rest, ' '); end >= 0 {
			rest = rest[:end]
		}
		out[key] = rest
	}
	return out
}
